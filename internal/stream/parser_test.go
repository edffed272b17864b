package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect feeds fragments and closes, returning every event in order.
func collect(t *testing.T, fragments ...string) []Event {
	t.Helper()
	p := NewParser()
	var events []Event
	for _, f := range fragments {
		events = append(events, p.Feed(f)...)
	}
	return append(events, p.Close()...)
}

// joinProse concatenates all prose text in order.
func joinProse(events []Event) string {
	out := ""
	for _, ev := range events {
		if pe, ok := ev.(ProseEvent); ok {
			out += pe.Text
		}
	}
	return out
}

func firstEmotion(events []Event) (EmotionEvent, bool) {
	for _, ev := range events {
		if ee, ok := ev.(EmotionEvent); ok {
			return ee, true
		}
	}
	return EmotionEvent{}, false
}

func TestLeadingEmotionMarker(t *testing.T) {
	events := collect(t, "[emotion:happy] Hello there!")

	require.NotEmpty(t, events)
	assert.Equal(t, EmotionEvent{Tag: "happy"}, events[0])
	assert.Equal(t, "Hello there!", joinProse(events))
}

func TestEmotionAlwaysPrecedesProse(t *testing.T) {
	events := collect(t, "No marker at all here.")

	require.NotEmpty(t, events)
	emotion, ok := events[0].(EmotionEvent)
	require.True(t, ok, "first event must be the emotion")
	assert.Equal(t, "neutral", emotion.Tag)
	assert.Equal(t, "No marker at all here.", joinProse(events))
}

func TestUnknownEmotionTagFallsBackToNeutral(t *testing.T) {
	events := collect(t, "[emotion:superalien] Hey!")

	emotion, ok := firstEmotion(events)
	require.True(t, ok)
	assert.Equal(t, "neutral", emotion.Tag)
	assert.Equal(t, "Hey!", joinProse(events))
}

func TestEmotionTagIsCaseInsensitive(t *testing.T) {
	events := collect(t, "[emotion:HAPPY] Hola!")

	emotion, ok := firstEmotion(events)
	require.True(t, ok)
	assert.Equal(t, "happy", emotion.Tag)
}

func TestLaterEmotionMarkersAreStripped(t *testing.T) {
	events := collect(t, "[emotion:sad] I was sad [emotion:happy] but now better")

	count := 0
	for _, ev := range events {
		if _, ok := ev.(EmotionEvent); ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one emotion per response")

	emotion, _ := firstEmotion(events)
	assert.Equal(t, "sad", emotion.Tag)
	assert.Equal(t, "I was sad  but now better", joinProse(events))
}

func TestEmotionMarkerAfterProseDoesNotReorder(t *testing.T) {
	events := collect(t, "Hello [emotion:happy] there")

	require.NotEmpty(t, events)
	emotion, ok := events[0].(EmotionEvent)
	require.True(t, ok, "prose forces the synthesized emotion out first")
	assert.Equal(t, "neutral", emotion.Tag, "an emotion marker after visible text is late")
	assert.Equal(t, "Hello  there", joinProse(events))
}

func TestMarkerSplitAcrossFragments(t *testing.T) {
	events := collect(t, "[emo", "tion:exc", "ited] Par", "ty time")

	emotion, ok := firstEmotion(events)
	require.True(t, ok)
	assert.Equal(t, "excited", emotion.Tag)
	assert.Equal(t, "Party time", joinProse(events))
}

func TestByteByByteDelivery(t *testing.T) {
	input := "[emotion:curious] What is [memory:fact:7:likes trains] that?"
	p := NewParser()
	var events []Event
	for i := 0; i < len(input); i++ {
		events = append(events, p.Feed(input[i:i+1])...)
	}
	events = append(events, p.Close()...)

	emotion, ok := firstEmotion(events)
	require.True(t, ok)
	assert.Equal(t, "curious", emotion.Tag)
	assert.Equal(t, "What is  that?", joinProse(events))

	var mem *MemoryEvent
	for _, ev := range events {
		if m, ok := ev.(MemoryEvent); ok {
			mem = &m
		}
	}
	require.NotNil(t, mem)
	assert.Equal(t, "fact", mem.Type)
	assert.Equal(t, 7, mem.Importance)
	assert.Equal(t, "likes trains", mem.Content)
}

func TestMemoryMarker(t *testing.T) {
	events := collect(t, "[emotion:happy] Noted! [memory:preference:9:prefers tea over coffee]")

	var mems []MemoryEvent
	for _, ev := range events {
		if m, ok := ev.(MemoryEvent); ok {
			mems = append(mems, m)
		}
	}
	require.Len(t, mems, 1)
	assert.Equal(t, "preference", mems[0].Type)
	assert.Equal(t, 9, mems[0].Importance)
	assert.Equal(t, "prefers tea over coffee", mems[0].Content)
	assert.Equal(t, "Noted! ", joinProse(events))
}

func TestMemoryImportanceIsClamped(t *testing.T) {
	events := collect(t, "x [memory:event:99:birthday party]")

	for _, ev := range events {
		if m, ok := ev.(MemoryEvent); ok {
			assert.Equal(t, 10, m.Importance)
			return
		}
	}
	t.Fatal("no memory event emitted")
}

func TestMemoryContentMayContainColons(t *testing.T) {
	events := collect(t, "[memory:fact:5:wakes at 7:30 every day] ok")

	for _, ev := range events {
		if m, ok := ev.(MemoryEvent); ok {
			assert.Equal(t, "wakes at 7:30 every day", m.Content)
			return
		}
	}
	t.Fatal("no memory event emitted")
}

func TestPersonNameMarker(t *testing.T) {
	events := collect(t, "[emotion:greeting] Nice to meet you! [person_name:Lucía]")

	var names []IdentityEvent
	for _, ev := range events {
		if n, ok := ev.(IdentityEvent); ok {
			names = append(names, n)
		}
	}
	require.Len(t, names, 1)
	assert.Equal(t, "Lucía", names[0].Name)
}

func TestMalformedMarkersPassThroughAsProse(t *testing.T) {
	cases := map[string]string{
		"bad memory arity":    "see [memory:fact:broken] text",
		"bad importance":      "see [memory:fact:high:stuff] text",
		"unknown kind":        "see [warp:9] text",
		"no colon":            "see [brackets] text",
		"empty person name":   "see [person_name: ] text",
		"invalid memory type": "see [memory:gossip:5:stuff] text",
		"emotion with colons": "see [emotion:ha:ppy] text",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			events := collect(t, input)
			assert.Equal(t, input, joinProse(events), "malformed marker must pass through verbatim")
			for _, ev := range events {
				switch ev.(type) {
				case MemoryEvent, IdentityEvent:
					t.Fatalf("unexpected structured event %#v", ev)
				}
			}
		})
	}
}

func TestUnclosedBracketFlushesAtClose(t *testing.T) {
	events := collect(t, "wait [memory:fact:5:never finished")

	assert.Equal(t, "wait [memory:fact:5:never finished", joinProse(events))
}

func TestUnclosedBracketFlushesAtLookaheadBound(t *testing.T) {
	long := "[" + strings.Repeat("x", maxMarkerLen+10)
	p := NewParser()
	events := p.Feed(long)

	// The held text is released as prose once the bound is exceeded, well
	// before end of stream.
	assert.NotEmpty(t, joinProse(events))
}

func TestLeadingWhitespaceBeforeMarkerIsIgnored(t *testing.T) {
	events := collect(t, "  \n[emotion:cool] chill")

	require.NotEmpty(t, events)
	emotion, ok := events[0].(EmotionEvent)
	require.True(t, ok, "whitespace must not count as prose before the marker")
	assert.Equal(t, "cool", emotion.Tag)
	assert.Equal(t, "chill", joinProse(events))
}

func TestEmotionOnlyResponse(t *testing.T) {
	events := collect(t, "[emotion:sad]")

	require.Len(t, events, 1)
	assert.Equal(t, EmotionEvent{Tag: "sad"}, events[0])
}

func TestEmptyStream(t *testing.T) {
	events := collect(t, "")
	assert.Empty(t, events)
}
