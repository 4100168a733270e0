package upgrader

import (
	"encoding/json"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/errors"
	"epoque/eventing"
)

// titleToName 把 {"title":...} 改写为 {"name":...}
func titleToName(payload []byte) ([]byte, error) {
	var v1 struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(payload, &v1); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"name": v1.Title})
}

func TestChain_UpgradesStepByStep(t *testing.T) {
	c := NewChain().MustRegister(
		Func{From: "ProjectCreatedV1", To: "ProjectCreatedV2", Fn: titleToName},
		Rename("ProjectCreatedV2", "ProjectCreated"),
	)
	assert.Equal(t, 2, c.Len())

	got, err := c.Upgrade(eventing.VersionedEvent{Version: 7, EventType: "ProjectCreatedV1", Payload: []byte(`{"title":"Launch"}`)})
	require.NoError(t, err)
	assert.Equal(t, eventing.Version(7), got.Version)
	assert.Equal(t, "ProjectCreated", got.EventType)
	assert.JSONEq(t, `{"name":"Launch"}`, string(got.Payload))

	current := eventing.VersionedEvent{Version: 1, EventType: "ProjectCreated", Payload: []byte(`{"name":"x"}`)}
	same, err := c.Upgrade(current)
	require.NoError(t, err)
	assert.Equal(t, current, same)
}

func TestChain_UpgradeFailure(t *testing.T) {
	c := NewChain().MustRegister(
		Func{From: "TaskAddedV1", To: "TaskAdded", Fn: func([]byte) ([]byte, error) {
			return nil, stdErrors.New("corrupt payload")
		}},
	)
	original := eventing.VersionedEvent{Version: 2, EventType: "TaskAddedV1", Payload: []byte(`{}`)}

	got, err := c.Upgrade(original)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeEventDecodingFailure))
	assert.Contains(t, err.Error(), "corrupt payload")
	assert.Equal(t, original, got)
}

func TestChain_Register(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Register(Rename("A", "B")))
	require.NoError(t, c.Register(Rename("B", "C")))

	err := c.Register(Rename("A", "D"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeDuplicateRegistration))

	err = c.Register(Rename("C", "A"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfiguration), "C→A 与 A→B→C 成环")

	err = c.Register(Rename("X", "X"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfiguration))

	err = c.Register(Func{From: "X"})
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidConfiguration))

	assert.Error(t, c.Register(nil))
	assert.Equal(t, 2, c.Len())

	assert.Panics(t, func() { c.MustRegister(Rename("A", "Z")) })
}
