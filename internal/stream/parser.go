// Package stream incrementally lexes model output into display prose and
// control markers. Fragments arrive with arbitrary boundaries, so a marker
// may be split across any number of Feed calls.
//
// The parser fails open: anything bracket-shaped that is not a well-formed
// known marker is passed through as prose untouched. Display never stalls
// on malformed model output.
package stream

import (
	"strconv"
	"strings"

	"github.com/pikobot/piko/internal/expression"
	"github.com/pikobot/piko/pkg/types"
)

// maxMarkerLen bounds how many bytes may be held back while waiting for a
// closing bracket. Past this, the pending text is flushed as prose.
const maxMarkerLen = 256

// Event is one parsed unit of model output.
type Event interface{ isEvent() }

// EmotionEvent is the emotion for this response. Exactly one is emitted per
// response, always before any ProseEvent.
type EmotionEvent struct {
	Tag string
}

// ProseEvent is display text.
type ProseEvent struct {
	Text string
}

// MemoryEvent is a candidate memory the model asked to persist.
type MemoryEvent struct {
	Type       string
	Importance int
	Content    string
}

// IdentityEvent is a person name the model learned in conversation.
type IdentityEvent struct {
	Name string
}

func (EmotionEvent) isEvent()  {}
func (ProseEvent) isEvent()    {}
func (MemoryEvent) isEvent()   {}
func (IdentityEvent) isEvent() {}

// Parser lexes one response stream. Not safe for concurrent use; each
// response gets a fresh Parser.
type Parser struct {
	marker      []byte // pending unterminated marker, nil outside markers
	emotionDone bool
	proseSeen   bool
}

// NewParser returns a Parser ready for the first fragment.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one fragment and returns the events it completes. A
// fragment ending inside a possible marker returns nothing for the held
// bytes; they resolve on a later Feed or at Close.
//
// If prose arrives before any emotion marker, a neutral EmotionEvent is
// synthesized first so emotion always precedes prose.
func (p *Parser) Feed(fragment string) []Event {
	var (
		events []Event
		prose  strings.Builder
	)

	flush := func() {
		if prose.Len() == 0 {
			return
		}
		text := prose.String()
		prose.Reset()
		// Leading whitespace before the first visible text is marker
		// padding, not prose.
		if !p.proseSeen {
			text = strings.TrimLeft(text, " \t\r\n")
			if text == "" {
				return
			}
		}
		if !p.emotionDone {
			events = append(events, EmotionEvent{Tag: expression.EmotionNeutral})
			p.emotionDone = true
		}
		p.proseSeen = true
		events = append(events, ProseEvent{Text: text})
	}

	for i := 0; i < len(fragment); i++ {
		c := fragment[i]

		if p.marker != nil {
			p.marker = append(p.marker, c)
			if c == ']' {
				token := string(p.marker)
				p.marker = nil
				// Prose buffered ahead of the marker resolves first so an
				// emotion marker arriving after visible text is classified
				// as late and stripped, not reordered in front of it.
				flush()
				evs, passthrough := p.classify(token)
				if passthrough != "" {
					prose.WriteString(passthrough)
				} else {
					events = append(events, evs...)
				}
			} else if len(p.marker) > maxMarkerLen {
				prose.Write(p.marker)
				p.marker = nil
			}
			continue
		}

		if c == '[' {
			p.marker = []byte{c}
			continue
		}
		prose.WriteByte(c)
	}

	flush()
	return events
}

// Close flushes state at end of stream. A marker still open when the stream
// ends was never a marker; it comes back as prose.
func (p *Parser) Close() []Event {
	if p.marker == nil {
		return nil
	}
	text := string(p.marker)
	p.marker = nil

	if !p.proseSeen {
		text = strings.TrimLeft(text, " \t\r\n")
		if text == "" {
			return nil
		}
	}
	var events []Event
	if !p.emotionDone {
		events = append(events, EmotionEvent{Tag: expression.EmotionNeutral})
		p.emotionDone = true
	}
	p.proseSeen = true
	return append(events, ProseEvent{Text: text})
}

// classify inspects a complete bracketed token. It returns either events or
// the literal text to pass through as prose.
func (p *Parser) classify(token string) (events []Event, passthrough string) {
	inner := token[1 : len(token)-1]

	head, rest, ok := strings.Cut(inner, ":")
	if !ok {
		return nil, token
	}

	switch strings.ToLower(head) {
	case "emotion":
		tag := strings.ToLower(strings.TrimSpace(rest))
		if tag == "" || strings.ContainsAny(tag, ":") {
			return nil, token
		}
		if p.emotionDone {
			// Only the leading marker chooses the emotion; later ones are
			// stripped from display.
			return nil, ""
		}
		if !expression.ValidTag(tag) {
			tag = expression.EmotionNeutral
		}
		p.emotionDone = true
		return []Event{EmotionEvent{Tag: tag}}, ""

	case "memory":
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return nil, token
		}
		memType := strings.ToLower(strings.TrimSpace(parts[0]))
		if !types.ValidMemoryType(memType) {
			return nil, token
		}
		importance, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, token
		}
		content := strings.TrimSpace(parts[2])
		if content == "" {
			return nil, token
		}
		return []Event{MemoryEvent{
			Type:       memType,
			Importance: types.ClampImportance(importance),
			Content:    content,
		}}, ""

	case "person_name":
		name := strings.TrimSpace(rest)
		if name == "" {
			return nil, token
		}
		return []Event{IdentityEvent{Name: name}}, ""

	default:
		return nil, token
	}
}
