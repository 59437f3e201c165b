// Package user holds the evaluation subject: a stable id plus string attributes.
package user

import "sort"

// AttributeID is the clause attribute that resolves to the user id when the
// attribute map does not carry it.
const AttributeID = "id"

// User is embedded directly in each evaluation request.
type User struct {
	ID   string            `json:"id" yaml:"id"`
	Data map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Attribute resolves a clause attribute. Missing attributes report false.
func (u *User) Attribute(name string) (string, bool) {
	if u == nil {
		return "", false
	}
	if v, ok := u.Data[name]; ok {
		return v, true
	}
	if name == AttributeID && u.ID != "" {
		return u.ID, true
	}
	return "", false
}

// SortedKeys returns the attribute names in lexical order.
func (u *User) SortedKeys() []string {
	if u == nil || len(u.Data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(u.Data))
	for k := range u.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataEqual reports whether two attribute maps carry the same pairs.
func DataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
