package command

import (
	"encoding/json"
	"testing"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFeature(t *testing.T) {
	var e Envelope
	require.NoError(t, json.Unmarshal([]byte(`{
		"type": "AddClause",
		"payload": {"ruleId": "r1", "clause": {"attribute": "country", "operator": "IN", "values": ["de", "at"]}}
	}`), &e))

	cmd, err := DecodeFeature(e)
	require.NoError(t, err)
	require.IsType(t, &AddClause{}, cmd)
	got := cmd.(*AddClause)
	assert.Equal(t, "r1", got.RuleID)
	assert.Equal(t, rules.OpIn, got.Clause.Operator)
	assert.Equal(t, "AddClause", cmd.CommandName())
}

func TestDecode_EmptyPayload(t *testing.T) {
	for _, payload := range []string{``, `null`, `{}`} {
		cmd, err := DecodeFeature(Envelope{Type: "EnableFeature", Payload: json.RawMessage(payload)})
		require.NoError(t, err, "payload %q", payload)
		assert.Equal(t, "EnableFeature", cmd.CommandName())
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := DecodeFeature(Envelope{Type: "LaunchRockets"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeFeature(Envelope{Type: "AddTag", Payload: json.RawMessage(`{"tags": "x"}`)})
	assert.ErrorIs(t, err, ErrInvalidCommand, "unknown fields are rejected")

	// segment commands are not feature commands
	_, err = DecodeFeature(Envelope{Type: "DeleteSegment"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeTrigger(Envelope{Type: "RecordFlagTriggerUsage"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestDecodeSegmentAndTrigger(t *testing.T) {
	seg, err := DecodeSegment(Envelope{Type: "AddSegmentUser", Payload: json.RawMessage(`{"userIds": ["a"], "state": "INCLUDED"}`)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, seg.(*AddSegmentUser).UserIDs)

	tr, err := DecodeTrigger(Envelope{Type: "ResetFlagTrigger"})
	require.NoError(t, err)
	assert.Equal(t, "ResetFlagTrigger", tr.CommandName())
}

func TestFeatureCommandNames(t *testing.T) {
	names := FeatureCommandNames()
	assert.Len(t, names, len(featureCommands))
	assert.IsIncreasing(t, names)
}
