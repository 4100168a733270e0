package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epoque/messaging"
)

func TestTransport_PublishFlow(t *testing.T) {
	tpt := NewTransport()
	defer tpt.Close()

	var seen []string
	require.NoError(t, tpt.Subscribe("TaskAdded", func(_ context.Context, m *messaging.Message) error {
		seen = append(seen, m.ID)
		return nil
	}))

	err := tpt.Publish(context.Background(),
		&messaging.Message{ID: "project/p-1/1", Type: "ProjectCreated"},
		&messaging.Message{ID: "project/p-1/2", Type: "TaskAdded"},
		&messaging.Message{ID: "project/p-1/3", Type: "TaskAdded"})
	require.NoError(t, err)
	assert.Equal(t, []string{"project/p-1/2", "project/p-1/3"}, seen)

	stats := tpt.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.HandlerCount)
}

func TestTransport_HandlerErrorsAreReturned(t *testing.T) {
	tpt := NewTransport()
	calls := 0
	require.NoError(t, tpt.Subscribe(messaging.AllEvents, func(context.Context, *messaging.Message) error {
		calls++
		return errors.New("read model offline")
	}))

	err := tpt.Publish(context.Background(),
		&messaging.Message{ID: "a", Type: "A"},
		&messaging.Message{ID: "b", Type: "B"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
	assert.Equal(t, 2, calls)
}

func TestTransport_Closed(t *testing.T) {
	tpt := NewTransport()
	require.NoError(t, tpt.Close())
	assert.Error(t, tpt.Close())
	assert.Error(t, tpt.Publish(context.Background(), &messaging.Message{ID: "x", Type: "T"}))
	assert.False(t, tpt.Stats().Running)
}
