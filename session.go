package parley

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Suggestion is a quick-reply option offered to the user.
type Suggestion struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// TranscriptEntry is one turn of the conversation.
type TranscriptEntry struct {
	Role string    `json:"role"` // "user" or "bot"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// transcriptCap bounds the per-session transcript ring.
const transcriptCap = 200

// OutputFunc receives bot output for delivery to whatever channel owns
// the conversation.
type OutputFunc func(text string)

// Session is the live-turn variant of a Scope plus the conversation's
// UI state: active knowledge bases, active tools, pending suggestions
// and bound agents. It is created on the first user turn and torn down
// on conversation end or handoff.
type Session struct {
	ID     string
	BotID  string
	UserID string
	Scope  *Scope

	mu          sync.Mutex
	kbs         []string
	tools       []string
	suggestions []Suggestion
	bound       []string
	persona     string
	contextText string
	transcript  []TranscriptEntry
	activeBot   string
	ended       bool

	input  chan string
	output OutputFunc
}

// NewSession creates a session whose scope layers over the given
// config globals.
func NewSession(botID, userID string, globals *Scope, out OutputFunc) *Session {
	if out == nil {
		out = func(string) {}
	}
	return &Session{
		ID:        uuid.NewString(),
		BotID:     botID,
		UserID:    userID,
		Scope:     NewScope(globals),
		activeBot: botID,
		input:     make(chan string),
		output:    out,
	}
}

// Emit sends bot output to the channel and records it in the transcript.
func (s *Session) Emit(text string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.appendTranscript(TranscriptEntry{Role: "bot", Text: text, At: time.Now()})
	out := s.output
	s.mu.Unlock()
	out(text)
}

// RecordUser appends a user turn to the transcript.
func (s *Session) RecordUser(text string) {
	s.mu.Lock()
	s.appendTranscript(TranscriptEntry{Role: "user", Text: text, At: time.Now()})
	s.mu.Unlock()
}

func (s *Session) appendTranscript(e TranscriptEntry) {
	s.transcript = append(s.transcript, e)
	if len(s.transcript) > transcriptCap {
		s.transcript = s.transcript[len(s.transcript)-transcriptCap:]
	}
}

// Transcript returns up to the last n turns.
func (s *Session) Transcript(n int) []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.transcript) {
		n = len(s.transcript)
	}
	out := make([]TranscriptEntry, n)
	copy(out, s.transcript[len(s.transcript)-n:])
	return out
}

// Input returns the channel a HEAR suspension parks on.
func (s *Session) Input() <-chan string { return s.input }

// TryDeliver hands a user turn to an instance parked on HEAR. It
// reports false when no instance is waiting.
func (s *Session) TryDeliver(text string) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.input <- text:
		return true
	default:
		return false
	}
}

// UseKB adds a knowledge base to the active set.
func (s *Session) UseKB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kb := range s.kbs {
		if kb == name {
			return
		}
	}
	s.kbs = append(s.kbs, name)
}

// ClearKBs empties the active knowledge base set.
func (s *Session) ClearKBs() {
	s.mu.Lock()
	s.kbs = nil
	s.mu.Unlock()
}

// KBs returns the active knowledge base set.
func (s *Session) KBs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kbs...)
}

// UseTool adds a tool to the active set.
func (s *Session) UseTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t == name {
			return
		}
	}
	s.tools = append(s.tools, name)
}

// ClearTools empties the active tool set.
func (s *Session) ClearTools() {
	s.mu.Lock()
	s.tools = nil
	s.mu.Unlock()
}

// Tools returns the active tool set.
func (s *Session) Tools() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tools...)
}

// AddSuggestion queues a quick-reply suggestion.
func (s *Session) AddSuggestion(text, label string) {
	s.mu.Lock()
	s.suggestions = append(s.suggestions, Suggestion{Text: text, Label: label})
	s.mu.Unlock()
}

// ClearSuggestions empties the pending suggestion list.
func (s *Session) ClearSuggestions() {
	s.mu.Lock()
	s.suggestions = nil
	s.mu.Unlock()
}

// Suggestions drains and returns the pending suggestion list.
func (s *Session) Suggestions() []Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.suggestions
	s.suggestions = nil
	return out
}

// BindAgent adds an agent to the session's bound set, the broadcast
// audience.
func (s *Session) BindAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.bound {
		if a == name {
			return
		}
	}
	s.bound = append(s.bound, name)
}

// UnbindAgent removes an agent from the bound set.
func (s *Session) UnbindAgent(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.bound {
		if a == name {
			s.bound = append(s.bound[:i], s.bound[i+1:]...)
			return
		}
	}
}

// BoundAgents returns the bound agent set.
func (s *Session) BoundAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bound...)
}

// SetPersona installs the system persona captured from a script block.
func (s *Session) SetPersona(text string) {
	s.mu.Lock()
	s.persona = text
	s.mu.Unlock()
}

// Persona returns the session's system persona.
func (s *Session) Persona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// SetContext installs free-form conversation context for the LLM.
func (s *Session) SetContext(text string) {
	s.mu.Lock()
	s.contextText = text
	s.mu.Unlock()
}

// Context returns the conversation context.
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextText
}

// ActiveBot is the agent currently owning the conversation; it changes
// on handoff.
func (s *Session) ActiveBot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBot
}

// Handoff transfers the session to another agent. Irreversible from
// the transferring side.
func (s *Session) Handoff(target string) {
	s.mu.Lock()
	s.activeBot = target
	s.mu.Unlock()
}

// Ended reports whether the session has been torn down.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End tears the session down: UI state is dropped and further turns
// are rejected. Explicit so teardown is testable.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.kbs = nil
	s.tools = nil
	s.suggestions = nil
	s.bound = nil
}
