// Package expression maps emotion tags to the OpenMoji faces the robot
// displays.
package expression

// Emotion tags the model is allowed to emit.
const (
	EmotionHappy     = "happy"
	EmotionExcited   = "excited"
	EmotionSad       = "sad"
	EmotionEmpathy   = "empathy"
	EmotionConfused  = "confused"
	EmotionSurprised = "surprised"
	EmotionLove      = "love"
	EmotionCool      = "cool"
	EmotionGreeting  = "greeting"
	EmotionNeutral   = "neutral"
	EmotionCurious   = "curious"
	EmotionWorried   = "worried"
	EmotionPlayful   = "playful"
)

// emotionEmojis maps each tag to OpenMoji codepoints, in display order.
var emotionEmojis = map[string][]string{
	EmotionHappy:     {"1F600", "1F603", "1F604", "1F60A"},
	EmotionExcited:   {"1F929", "1F389", "1F38A", "2728"},
	EmotionSad:       {"1F622", "1F625", "1F62D"},
	EmotionEmpathy:   {"1F97A", "1F615", "2764"},
	EmotionConfused:  {"1F615", "1F914", "2753"},
	EmotionSurprised: {"1F632", "1F62E", "1F92F"},
	EmotionLove:      {"2764", "1F60D", "1F970", "1F498"},
	EmotionCool:      {"1F60E", "1F44D", "1F525"},
	EmotionGreeting:  {"1F44B", "1F917"},
	EmotionNeutral:   {"1F642", "1F916"},
	EmotionCurious:   {"1F9D0", "1F50D"},
	EmotionWorried:   {"1F61F", "1F628"},
	EmotionPlayful:   {"1F61C", "1F609", "1F638"},
}

// FixedStateEmojis are faces for engine states rather than model output. The
// client shows them while no response is streaming.
var FixedStateEmojis = map[string]string{
	"IDLE":         "1F916",
	"LISTENING":    "1F442",
	"THINKING":     "1F914",
	"ERROR":        "1F615",
	"DISCONNECTED": "1F50C",
}

// ValidTag reports whether tag is one of the allowed emotions.
func ValidTag(tag string) bool {
	_, ok := emotionEmojis[tag]
	return ok
}

// Emojis returns the OpenMoji codepoints for a tag. Unknown tags fall back
// to neutral.
func Emojis(tag string) []string {
	if codes, ok := emotionEmojis[tag]; ok {
		return codes
	}
	return emotionEmojis[EmotionNeutral]
}
