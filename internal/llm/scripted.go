package llm

import (
	"context"
	"sync"
)

// Scripted is a Client that replays canned responses in order, repeating the
// last one once the script runs out. It records every prompt it receives.
// Used by tests and by dry-run dispatch.
type Scripted struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

// NewScripted creates a scripted client. With no responses it answers with a
// generic completion phrase.
func NewScripted(responses ...string) *Scripted {
	if len(responses) == 0 {
		responses = []string{"Task completed."}
	}
	return &Scripted{responses: responses}
}

// FailWith queues errors returned before any scripted response is served.
func (s *Scripted) FailWith(errs ...error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
	return s
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx], nil
}

// Prompts returns a copy of every prompt seen so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// Calls reports how many completions were served (errors excluded).
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
