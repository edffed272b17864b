package actuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSequenceSumsDurations(t *testing.T) {
	seq := BuildSequence("wave", []Step{
		{Action: "rotate", DurationMs: 500},
		{Action: "pause", DurationMs: 200},
		{Action: "rotate", DurationMs: 500},
	})

	assert.Equal(t, 1200, seq.TotalDurationMs)
	assert.Equal(t, 3, seq.StepCount)
}

func TestBuildSequenceEmpty(t *testing.T) {
	seq := BuildSequence("still", nil)
	assert.Equal(t, 0, seq.TotalDurationMs)
	assert.Equal(t, 0, seq.StepCount)
}

func TestToAction(t *testing.T) {
	seq := BuildSequence("greet", []Step{
		{Action: "rotate", DurationMs: 400, Params: map[string]any{"direction": "left"}},
	})
	action := seq.ToAction("greeting")

	assert.Equal(t, "move_sequence", action.Type)
	assert.Equal(t, 400, action.DurationMs)
	assert.Equal(t, "greeting", action.Params["emotion_during"])

	steps, ok := action.Params["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, "left", steps[0]["direction"])
}

func TestGestureForEmotion(t *testing.T) {
	seq, ok := GestureForEmotion("greeting")
	require.True(t, ok)
	assert.Greater(t, seq.TotalDurationMs, 0)

	_, ok = GestureForEmotion("neutral")
	assert.False(t, ok, "neutral keeps the robot still")
}
