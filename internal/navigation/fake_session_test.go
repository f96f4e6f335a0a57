package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/slotscraper/internal/booking"
)

// fakeSession records interactions and serves canned injected data keyed by
// the most recently selected location.
type fakeSession struct {
	mu sync.Mutex

	calls        []string
	typed        map[string]string
	selected     string
	injected     map[string]any
	failSelect   map[string]bool
	failWait     map[string]bool
	hangWait     map[string]bool
	interactable map[string]bool
	closed       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		typed:        map[string]string{},
		injected:     map[string]any{},
		failSelect:   map[string]bool{},
		failWait:     map[string]bool{},
		hangWait:     map[string]bool{},
		interactable: map[string]bool{selAnotherLocation.Value: true},
	}
}

func (s *fakeSession) record(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
}

func (s *fakeSession) Navigate(_ context.Context, url string) (booking.Response, error) {
	s.record("navigate:%s", url)
	return booking.Response{Status: 200}, nil
}

func (s *fakeSession) WaitFor(ctx context.Context, sel booking.Selector) error {
	s.record("wait:%s", sel.Value)
	if s.hangWait[sel.Value] {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.failWait[sel.Value] {
		return errors.New("element not found")
	}
	return nil
}

func (s *fakeSession) Click(_ context.Context, sel booking.Selector) error {
	s.record("click:%s", sel.Value)
	return nil
}

func (s *fakeSession) Type(_ context.Context, sel booking.Selector, text string) error {
	s.mu.Lock()
	s.typed[sel.Value] += text
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Select(_ context.Context, sel booking.Selector, value string) error {
	s.record("select:%s=%s", sel.Value, value)
	if s.failSelect[value] {
		return errors.New("option missing")
	}
	s.mu.Lock()
	s.selected = value
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Interactable(_ context.Context, sel booking.Selector) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactable[sel.Value], nil
}

func (s *fakeSession) ReadInjected(_ context.Context, expression string) (any, error) {
	s.record("read:%s", expression)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected[s.selected], nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func slotsPayload(next string, starts ...string) map[string]any {
	list := make([]any, 0, len(starts))
	for i, start := range starts {
		list = append(list, map[string]any{
			"availability": true,
			"slotNumber":   float64(i + 1),
			"startTime":    start,
		})
	}
	return map[string]any{
		"ajaxresult": map[string]any{
			"slots": map[string]any{
				"nextAvailableDate": next,
				"listTimeSlot":      list,
			},
		},
	}
}
