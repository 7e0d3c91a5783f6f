package classifier

import (
	"context"
	"sync"
	"time"

	"nadfeud/internal/domain"
)

// StubClassifier returns fixed output. Useful for tests and demos.
type StubClassifier struct {
	Groups []domain.GroupSpec
	Err    error
	// Delay simulates a slow model; the call honors context cancellation while waiting.
	Delay time.Duration

	mu    sync.Mutex
	calls [][]string
}

func (s *StubClassifier) Classify(ctx context.Context, _ string, answers []string) ([]domain.GroupSpec, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]string(nil), answers...))
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([]domain.GroupSpec, len(s.Groups))
	copy(out, s.Groups)
	return out, nil
}

// Calls returns the answer lists the stub has been invoked with.
func (s *StubClassifier) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}
