// Package validation checks flags and segments before a command persists them.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
)

const (
	// MaxKeyLength is the maximum length for flag and segment ids
	MaxKeyLength = 64
	// MaxEnvLength is the maximum length for environment names
	MaxEnvLength = 32
	// MaxNameLength is the maximum length for flag, segment and variation names
	MaxNameLength = 100
	// MaxDescriptionLength is the maximum length for descriptions
	MaxDescriptionLength = 500
	// MaxVariationValueSize is the maximum size of a variation value in bytes
	MaxVariationValueSize = 100 * 1024 // 100KB
)

// keyPattern matches alphanumeric characters, underscores, and hyphens
var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrInvalid is wrapped by the error returned from ValidationResult.Err.
var ErrInvalid = errors.New("validation failed")

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Merge combines another validation result into this one
func (v *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for field, message := range other.Errors {
		v.AddError(field, message)
	}
}

// Err returns nil for a valid result and an *Error otherwise.
func (v *ValidationResult) Err() error {
	if v.Valid {
		return nil
	}
	return &Error{Fields: v.Errors}
}

// Error carries the per-field messages of a failed validation.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrInvalid, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return ErrInvalid }

// ValidateKey validates a flag or segment id
func ValidateKey(field, key string) *ValidationResult {
	result := NewValidationResult()
	key = strings.TrimSpace(key)

	if key == "" {
		result.AddError(field, "Key is required")
		return result
	}

	if utf8.RuneCountInString(key) > MaxKeyLength {
		result.AddError(field, "Key must not exceed 64 characters")
		return result
	}

	if !keyPattern.MatchString(key) {
		result.AddError(field, "Key must contain only alphanumeric characters, underscores, and hyphens")
		return result
	}

	return result
}

// ValidateEnv validates an environment name
func ValidateEnv(env string) *ValidationResult {
	result := NewValidationResult()
	env = strings.TrimSpace(env)

	if env == "" {
		result.AddError("environmentNamespace", "Environment is required")
		return result
	}

	if utf8.RuneCountInString(env) > MaxEnvLength {
		result.AddError("environmentNamespace", "Environment must not exceed 32 characters")
		return result
	}

	return result
}

// ValidateName validates a display name
func ValidateName(field, name string) *ValidationResult {
	result := NewValidationResult()
	if strings.TrimSpace(name) == "" {
		result.AddError(field, "Name is required")
	} else if utf8.RuneCountInString(name) > MaxNameLength {
		result.AddError(field, "Name must not exceed 100 characters")
	}
	return result
}

// ValidateDescription validates a description
func ValidateDescription(field, description string) *ValidationResult {
	result := NewValidationResult()

	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		result.AddError(field, "Description must not exceed 500 characters")
	}

	return result
}

// ValidateVariationValue checks that value can be served as variationType.
func ValidateVariationValue(field string, variationType store.VariationType, value string) *ValidationResult {
	result := NewValidationResult()

	if len(value) > MaxVariationValueSize {
		result.AddError(field, "Value must not exceed 100KB")
		return result
	}

	switch variationType {
	case store.VariationBoolean:
		if value != "true" && value != "false" {
			result.AddError(field, "Value must be true or false")
		}
	case store.VariationNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			result.AddError(field, "Value must be a number")
		}
	case store.VariationJSON:
		if !json.Valid([]byte(value)) {
			result.AddError(field, "Value must be valid JSON")
		}
	case store.VariationString:
	default:
		result.AddError("variationType", fmt.Sprintf("Unsupported variation type %q", variationType))
	}

	return result
}

// ValidateVariations checks ids, names and values of a flag's variations.
// Ids and values must be unique.
func ValidateVariations(variationType store.VariationType, variations []store.Variation) *ValidationResult {
	result := NewValidationResult()

	if len(variations) == 0 {
		result.AddError("variations", "At least one variation is required")
		return result
	}

	seenIDs := make(map[string]bool, len(variations))
	seenValues := make(map[string]bool, len(variations))
	for i, v := range variations {
		prefix := fmt.Sprintf("variations[%d]", i)
		if strings.TrimSpace(v.ID) == "" {
			result.AddError(prefix+".id", "Variation id cannot be empty")
		} else if seenIDs[v.ID] {
			result.AddError(prefix+".id", "Duplicate variation id: "+v.ID)
		}
		seenIDs[v.ID] = true

		if utf8.RuneCountInString(v.Name) > MaxNameLength {
			result.AddError(prefix+".name", "Name must not exceed 100 characters")
		}
		result.Merge(ValidateDescription(prefix+".description", v.Description))

		if seenValues[v.Value] {
			result.AddError(prefix+".value", "Duplicate variation value")
		}
		seenValues[v.Value] = true
		result.Merge(ValidateVariationValue(prefix+".value", variationType, v.Value))
	}

	return result
}

// ValidateFlag validates a flag as it is about to be stored.
func ValidateFlag(f *store.Flag) *ValidationResult {
	result := NewValidationResult()

	result.Merge(ValidateKey("id", f.ID))
	result.Merge(ValidateEnv(f.EnvironmentNamespace))
	result.Merge(ValidateName("name", f.Name))
	result.Merge(ValidateDescription("description", f.Description))
	result.Merge(ValidateVariations(f.VariationType, f.Variations))

	variationIDs := f.VariationIDs()
	known := make(map[string]bool, len(variationIDs))
	for _, id := range variationIDs {
		known[id] = true
	}

	if f.OffVariation != "" && !known[f.OffVariation] {
		result.AddError("offVariation", "Unknown variation: "+f.OffVariation)
	}
	if f.DefaultStrategy != nil {
		if err := rules.ValidateStrategy(f.DefaultStrategy, variationIDs); err != nil {
			result.AddError("defaultStrategy", err.Error())
		}
	}

	targeted := make(map[string]string)
	for i, t := range f.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if !known[t.Variation] {
			result.AddError(field+".variation", "Unknown variation: "+t.Variation)
		}
		for _, u := range t.Users {
			if other, ok := targeted[u]; ok && other != t.Variation {
				result.AddError(field+".users", fmt.Sprintf("User %q is already targeted to %q", u, other))
			}
			targeted[u] = t.Variation
		}
	}

	ruleIDs := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if ruleIDs[r.ID] {
			result.AddError(field+".id", "Duplicate rule id: "+r.ID)
		}
		ruleIDs[r.ID] = true
		if err := rules.ValidateRule(r, variationIDs); err != nil {
			result.AddError(field, err.Error())
		}
	}

	seenPrereq := make(map[string]bool, len(f.Prerequisites))
	for i, p := range f.Prerequisites {
		field := fmt.Sprintf("prerequisites[%d]", i)
		switch {
		case p.FeatureID == "" || p.VariationID == "":
			result.AddError(field, "Feature id and variation id are required")
		case p.FeatureID == f.ID:
			result.AddError(field, "A flag cannot depend on itself")
		case seenPrereq[p.FeatureID]:
			result.AddError(field, "Duplicate prerequisite: "+p.FeatureID)
		}
		seenPrereq[p.FeatureID] = true
	}

	for i, tag := range f.Tags {
		if strings.TrimSpace(tag) == "" {
			result.AddError(fmt.Sprintf("tags[%d]", i), "Tag cannot be empty")
		}
	}

	return result
}

// ValidateSegment validates a segment as it is about to be stored. Segment
// rules carry no strategy, so only their clauses are checked.
func ValidateSegment(s *store.Segment) *ValidationResult {
	result := NewValidationResult()

	result.Merge(ValidateKey("id", s.ID))
	result.Merge(ValidateEnv(s.EnvironmentNamespace))
	result.Merge(ValidateName("name", s.Name))
	result.Merge(ValidateDescription("description", s.Description))

	for i, r := range s.Rules {
		if len(r.Clauses) == 0 {
			result.AddError(fmt.Sprintf("rules[%d]", i), "Rule must have at least one clause")
			continue
		}
		for j, c := range r.Clauses {
			if err := rules.ValidateClause(c); err != nil {
				result.AddError(fmt.Sprintf("rules[%d].clauses[%d]", i, j), err.Error())
			}
		}
	}

	return result
}
