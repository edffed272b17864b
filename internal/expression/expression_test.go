package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmojisForKnownTag(t *testing.T) {
	assert.Contains(t, Emojis(EmotionHappy), "1F600")
	assert.Contains(t, Emojis(EmotionLove), "2764")
	assert.Contains(t, Emojis(EmotionExcited), "2728")
}

func TestUnknownTagFallsBackToNeutral(t *testing.T) {
	assert.Equal(t, Emojis(EmotionNeutral), Emojis("nonexistent"))
}

func TestEveryValidTagHasEmojis(t *testing.T) {
	for tag := range emotionEmojis {
		assert.True(t, ValidTag(tag))
		assert.NotEmpty(t, Emojis(tag), "tag %q has no emojis", tag)
	}
}

func TestValidTag(t *testing.T) {
	assert.True(t, ValidTag("playful"))
	assert.False(t, ValidTag("superalien"))
	assert.False(t, ValidTag(""))
}

func TestFixedStateEmojis(t *testing.T) {
	assert.Equal(t, "1F916", FixedStateEmojis["IDLE"])
	assert.NotEmpty(t, FixedStateEmojis["ERROR"])
}
