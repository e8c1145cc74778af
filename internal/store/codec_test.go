package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slotwatch/bookerd/internal/tasks"
)

func TestCodecRoundtrip(t *testing.T) {
	var codec Codec
	task := sampleTask("t1")

	data, err := codec.Encode(task)
	require.NoError(t, err)

	var got tasks.Task
	require.NoError(t, codec.Decode(data, &got))
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, task.Slots, got.Slots)
	require.True(t, task.TriggerAt.Equal(got.TriggerAt))
}

func TestCodecRejectsGarbage(t *testing.T) {
	var codec Codec
	var got tasks.Task
	require.Error(t, codec.Decode([]byte(`{"id": `), &got))
}
