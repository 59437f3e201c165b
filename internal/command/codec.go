package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Envelope is the wire form of a command: its name and a JSON payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var featureCommands = map[string]func() FeatureCommand{
	"EnableFeature":           func() FeatureCommand { return &EnableFeature{} },
	"DisableFeature":          func() FeatureCommand { return &DisableFeature{} },
	"ArchiveFeature":          func() FeatureCommand { return &ArchiveFeature{} },
	"UnarchiveFeature":        func() FeatureCommand { return &UnarchiveFeature{} },
	"DeleteFeature":           func() FeatureCommand { return &DeleteFeature{} },
	"AddUserToVariation":      func() FeatureCommand { return &AddUserToVariation{} },
	"RemoveUserFromVariation": func() FeatureCommand { return &RemoveUserFromVariation{} },
	"AddRule":                 func() FeatureCommand { return &AddRule{} },
	"DeleteRule":              func() FeatureCommand { return &DeleteRule{} },
	"ChangeRulesOrder":        func() FeatureCommand { return &ChangeRulesOrder{} },
	"ChangeRuleStrategy":      func() FeatureCommand { return &ChangeRuleStrategy{} },
	"AddClause":               func() FeatureCommand { return &AddClause{} },
	"DeleteClause":            func() FeatureCommand { return &DeleteClause{} },
	"ChangeDefaultStrategy":   func() FeatureCommand { return &ChangeDefaultStrategy{} },
	"ChangeOffVariation":      func() FeatureCommand { return &ChangeOffVariation{} },
	"AddVariation":            func() FeatureCommand { return &AddVariation{} },
	"RemoveVariation":         func() FeatureCommand { return &RemoveVariation{} },
	"ChangeVariationValue":    func() FeatureCommand { return &ChangeVariationValue{} },
	"AddPrerequisite":         func() FeatureCommand { return &AddPrerequisite{} },
	"RemovePrerequisite":      func() FeatureCommand { return &RemovePrerequisite{} },
	"AddTag":                  func() FeatureCommand { return &AddTag{} },
	"RemoveTag":               func() FeatureCommand { return &RemoveTag{} },
	"ResetSamplingSeed":       func() FeatureCommand { return &ResetSamplingSeed{} },
}

var segmentCommands = map[string]func() SegmentCommand{
	"DeleteSegment":            func() SegmentCommand { return &DeleteSegment{} },
	"ChangeSegmentName":        func() SegmentCommand { return &ChangeSegmentName{} },
	"ChangeSegmentDescription": func() SegmentCommand { return &ChangeSegmentDescription{} },
	"AddSegmentRule":           func() SegmentCommand { return &AddSegmentRule{} },
	"DeleteSegmentRule":        func() SegmentCommand { return &DeleteSegmentRule{} },
	"AddSegmentUser":           func() SegmentCommand { return &AddSegmentUser{} },
	"DeleteSegmentUser":        func() SegmentCommand { return &DeleteSegmentUser{} },
}

var triggerCommands = map[string]func() TriggerCommand{
	"ChangeFlagTriggerDescription": func() TriggerCommand { return &ChangeFlagTriggerDescription{} },
	"EnableFlagTrigger":            func() TriggerCommand { return &EnableFlagTrigger{} },
	"DisableFlagTrigger":           func() TriggerCommand { return &DisableFlagTrigger{} },
	"ResetFlagTrigger":             func() TriggerCommand { return &ResetFlagTrigger{} },
	"DeleteFlagTrigger":            func() TriggerCommand { return &DeleteFlagTrigger{} },
}

// DecodeFeature decodes a feature command envelope.
func DecodeFeature(e Envelope) (FeatureCommand, error) {
	return decode(featureCommands, e)
}

// DecodeSegment decodes a segment command envelope.
func DecodeSegment(e Envelope) (SegmentCommand, error) {
	return decode(segmentCommands, e)
}

// DecodeTrigger decodes a trigger command envelope. RecordFlagTriggerUsage
// is internal to the webhook and cannot be sent.
func DecodeTrigger(e Envelope) (TriggerCommand, error) {
	return decode(triggerCommands, e)
}

// FeatureCommandNames lists the accepted feature command types.
func FeatureCommandNames() []string {
	names := make([]string, 0, len(featureCommands))
	for name := range featureCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decode[T Command](registry map[string]func() T, e Envelope) (T, error) {
	var zero T
	factory, ok := registry[e.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownCommand, e.Type)
	}
	cmd := factory()
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cmd); err != nil {
			return zero, invalid("%s payload: %v", e.Type, err)
		}
	}
	return cmd, nil
}
