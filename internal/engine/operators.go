package engine

import (
	"math"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/TimurManjosov/flageval/internal/rules"
)

// OperatorHandler evaluates one attribute-based clause operator. A clause
// matches when the target satisfies the operator against any of its values.
type OperatorHandler interface {
	Check(target string, values []string) bool
}

// SEGMENT and FEATURE_FLAG need evaluation context and are resolved by Matcher.
var operatorHandlers = map[rules.Operator]OperatorHandler{
	rules.OpEquals:         anyOf(func(t, v string) bool { return t == v }),
	rules.OpIn:             anyOf(func(t, v string) bool { return t == v }),
	rules.OpNotEquals:      notEqualsHandler{},
	rules.OpPartiallyMatch: anyOf(strings.Contains),
	rules.OpStartsWith:     anyOf(strings.HasPrefix),
	rules.OpEndsWith:       anyOf(strings.HasSuffix),
	rules.OpGreater:        compareHandler{accept: func(c int) bool { return c > 0 }},
	rules.OpGreaterOrEqual: compareHandler{accept: func(c int) bool { return c >= 0 }},
	rules.OpLess:           compareHandler{accept: func(c int) bool { return c < 0 }},
	rules.OpLessOrEqual:    compareHandler{accept: func(c int) bool { return c <= 0 }},
	rules.OpBefore:         timestampHandler{accept: func(t, v int64) bool { return t < v }},
	rules.OpAfter:          timestampHandler{accept: func(t, v int64) bool { return t > v }},
}

func getOperatorHandler(op rules.Operator) (OperatorHandler, bool) {
	h, ok := operatorHandlers[op]
	return h, ok
}

type anyOf func(target, value string) bool

func (f anyOf) Check(target string, values []string) bool {
	for _, v := range values {
		if f(target, v) {
			return true
		}
	}
	return false
}

// notEqualsHandler matches when the target differs from every value.
type notEqualsHandler struct{}

func (notEqualsHandler) Check(target string, values []string) bool {
	for _, v := range values {
		if target == v {
			return false
		}
	}
	return true
}

// compareHandler orders the target against each value. The target decides
// the comparison domain: a finite number is compared only with finite numeric
// values, a strict semantic version only with strict semantic versions, and
// anything else lexicographically with every value.
type compareHandler struct {
	accept func(cmp int) bool
}

func (h compareHandler) Check(target string, values []string) bool {
	if t, ok := parseFinite(target); ok {
		for _, v := range values {
			f, ok := parseFinite(v)
			if !ok {
				continue
			}
			if h.accept(compareFloat(t, f)) {
				return true
			}
		}
		return false
	}
	if t, err := semver.StrictNewVersion(target); err == nil {
		for _, v := range values {
			ver, err := semver.StrictNewVersion(v)
			if err != nil {
				continue
			}
			if h.accept(t.Compare(ver)) {
				return true
			}
		}
		return false
	}
	for _, v := range values {
		if h.accept(strings.Compare(target, v)) {
			return true
		}
	}
	return false
}

// parseFinite parses s as a number, rejecting NaN and infinities.
func parseFinite(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// timestampHandler compares unix timestamps in seconds. Values that are not
// integers are skipped.
type timestampHandler struct {
	accept func(target, value int64) bool
}

func (h timestampHandler) Check(target string, values []string) bool {
	t, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return false
	}
	for _, v := range values {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if h.accept(t, ts) {
			return true
		}
	}
	return false
}
