// Package actuation builds motion sequences for the robot base. The engine
// only assembles payloads; the actuator firmware owns execution and safety.
package actuation

import "github.com/pikobot/piko/pkg/types"

// Step is one primitive movement within a sequence.
type Step struct {
	Action     string         `json:"action"` // rotate | move_forward | move_backward | pause | wave
	DurationMs int            `json:"duration_ms"`
	Params     map[string]any `json:"params,omitempty"`
}

// Sequence is an ordered set of steps executed as one gesture.
type Sequence struct {
	Description     string `json:"description"`
	Steps           []Step `json:"steps"`
	TotalDurationMs int    `json:"total_duration_ms"`
	StepCount       int    `json:"step_count"`
}

// BuildSequence assembles a Sequence, summing step durations into
// TotalDurationMs so the client can schedule the face animation alongside.
func BuildSequence(description string, steps []Step) Sequence {
	total := 0
	for _, s := range steps {
		total += s.DurationMs
	}
	return Sequence{
		Description:     description,
		Steps:           steps,
		TotalDurationMs: total,
		StepCount:       len(steps),
	}
}

// ToAction wraps the sequence as a single response action.
func (s Sequence) ToAction(emotion string) types.Action {
	stepMaps := make([]map[string]any, len(s.Steps))
	for i, st := range s.Steps {
		m := map[string]any{
			"action":      st.Action,
			"duration_ms": st.DurationMs,
		}
		for k, v := range st.Params {
			m[k] = v
		}
		stepMaps[i] = m
	}
	return types.Action{
		Type:       "move_sequence",
		DurationMs: s.TotalDurationMs,
		Params: map[string]any{
			"description":    s.Description,
			"emotion_during": emotion,
			"steps":          stepMaps,
		},
	}
}

// gestures maps emotions to a small physical flourish. Emotions without an
// entry keep the robot still.
var gestures = map[string]Sequence{
	"greeting": BuildSequence("welcome wiggle", []Step{
		{Action: "rotate", DurationMs: 400, Params: map[string]any{"direction": "left"}},
		{Action: "rotate", DurationMs: 400, Params: map[string]any{"direction": "right"}},
		{Action: "wave", DurationMs: 600},
	}),
	"excited": BuildSequence("excited spin", []Step{
		{Action: "rotate", DurationMs: 350, Params: map[string]any{"direction": "left"}},
		{Action: "rotate", DurationMs: 350, Params: map[string]any{"direction": "right"}},
		{Action: "rotate", DurationMs: 350, Params: map[string]any{"direction": "left"}},
	}),
	"happy": BuildSequence("happy bounce", []Step{
		{Action: "move_forward", DurationMs: 250},
		{Action: "move_backward", DurationMs: 250},
	}),
	"playful": BuildSequence("playful shimmy", []Step{
		{Action: "rotate", DurationMs: 200, Params: map[string]any{"direction": "left"}},
		{Action: "pause", DurationMs: 100},
		{Action: "rotate", DurationMs: 200, Params: map[string]any{"direction": "right"}},
	}),
	"sad": BuildSequence("slow retreat", []Step{
		{Action: "move_backward", DurationMs: 500},
	}),
}

// GestureForEmotion returns the flourish for an emotion, or ok=false when
// the robot should stay still.
func GestureForEmotion(emotion string) (Sequence, bool) {
	s, ok := gestures[emotion]
	return s, ok
}
