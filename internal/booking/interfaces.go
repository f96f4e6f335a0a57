package booking

import (
	"context"
	"time"
)

// By selects how a Selector value is interpreted.
type By int

// Selector kinds understood by Session implementations.
const (
	ByID By = iota
	ByQuery
	ByXPath
)

// Selector locates one element on the page.
type Selector struct {
	Value string
	By    By
}

// ID returns a selector matching the element id.
func ID(id string) Selector { return Selector{Value: id, By: ByID} }

// Query returns a CSS selector.
func Query(q string) Selector { return Selector{Value: q, By: ByQuery} }

// XPath returns an XPath selector.
func XPath(x string) Selector { return Selector{Value: x, By: ByXPath} }

func (s Selector) String() string { return s.Value }

// Response describes the main document response of a navigation.
type Response struct {
	Status int
	Body   string
}

// Launcher starts browser sessions bound to one egress point.
type Launcher interface {
	Launch(ctx context.Context, egress string, headless bool) (Session, error)
}

// Session is a single controlled browser instance. Element operations block
// until the element is ready or ctx expires.
type Session interface {
	Navigate(ctx context.Context, url string) (Response, error)
	WaitFor(ctx context.Context, sel Selector) error
	Click(ctx context.Context, sel Selector) error
	Type(ctx context.Context, sel Selector, text string) error
	Select(ctx context.Context, sel Selector, value string) error
	// Interactable reports whether the element exists, is visible and enabled.
	// It does not wait.
	Interactable(ctx context.Context, sel Selector) (bool, error)
	// ReadInjected evaluates expression in the page's own script world and
	// returns the JSON-decoded value, or nil when it is undefined or null.
	ReadInjected(ctx context.Context, expression string) (any, error)
	// Close releases the browser. It is idempotent.
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

type runIDKey struct{}

// WithRunID returns a context carrying id so that every layer of one run logs
// the same identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the id stored by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
