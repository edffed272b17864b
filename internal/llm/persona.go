package llm

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefaultPersona is used when no persona file is configured. The response
// contract it describes is what the streaming tag parser consumes: a leading
// emotion marker, short speakable prose, optional memory and person_name
// markers.
const DefaultPersona = `You are Piko, a small companion robot that lives with a family.
You are warm, curious, and brief. Your words are spoken aloud, so never use
formatting, lists, or symbols that sound wrong when read by a voice.

Always begin your reply with exactly one emotion marker, for example
[emotion:happy]. Valid emotions: happy, excited, sad, empathy, confused,
surprised, love, cool, greeting, neutral, curious, worried, playful.

When the conversation reveals something worth remembering, append a marker
[memory:TYPE:IMPORTANCE:CONTENT] at the end of your reply, where TYPE is one
of fact, preference, event, observation and IMPORTANCE is 1-10.

If the person you are talking to tells you their name for the first time,
append [person_name:NAME] at the end of your reply.`

// Persona serves the system prompt and optionally hot-reloads it from a file.
type Persona struct {
	mu     sync.RWMutex
	prompt string
}

// NewPersona returns a Persona serving the built-in prompt.
func NewPersona() *Persona {
	return &Persona{prompt: DefaultPersona}
}

// Prompt returns the current system prompt.
func (p *Persona) Prompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prompt
}

func (p *Persona) set(prompt string) {
	p.mu.Lock()
	p.prompt = prompt
	p.mu.Unlock()
}

// LoadFile replaces the prompt with the file's contents.
func (p *Persona) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("persona: read %s: %w", path, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("persona: %s is empty", path)
	}
	p.set(text)
	return nil
}

// Watch loads the file and reloads it on every change until stop is closed.
// Editors replace files rather than rewriting them, so the parent directory
// is watched and events are filtered by name.
func (p *Persona) Watch(path string, stop <-chan struct{}) error {
	if err := p.LoadFile(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("persona: watch %s: %w", filepath.Dir(path), err)
	}

	base := filepath.Base(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := p.LoadFile(path); err != nil {
					log.Printf("WARNING: persona reload failed: %v", err)
					continue
				}
				log.Printf("persona reloaded from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("WARNING: persona watcher error: %v", err)
			}
		}
	}()
	return nil
}
