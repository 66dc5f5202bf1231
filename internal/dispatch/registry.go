// Package dispatch routes stored webhook events to registered handlers
// and schedules retries for the ones that fail.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tidehook/tidehook/pkg/types"
)

// Handler processes one webhook event.
type Handler func(ctx context.Context, evt *Event) error

// Event is the handler-facing view of a stored webhook event.
type Event struct {
	Provider  types.Provider
	EventID   string
	EventType string
	Payload   []byte
	Attempt   int
}

// Registry maps (provider, event-type pattern) to handlers. Patterns are
// globs over the dot-separated event type: "payment.*" matches one
// trailing segment, "payment.**" any depth, and "**" is the provider
// catch-all.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	provider types.Provider
	pattern  string
	handler  Handler
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds a handler. Invalid patterns are rejected up front so a
// typo fails at startup, not at dispatch time.
func (r *Registry) Register(provider types.Provider, pattern string, h Handler) error {
	if !doublestar.ValidatePattern(globForm(pattern)) {
		return fmt.Errorf("invalid event pattern %q for provider %s", pattern, provider)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{provider: provider, pattern: pattern, handler: h})
	return nil
}

// Match returns all handlers bound to the event, in registration order.
func (r *Registry) Match(provider types.Provider, eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var handlers []Handler
	for _, e := range r.entries {
		if e.provider != provider {
			continue
		}
		ok, err := doublestar.Match(globForm(e.pattern), globForm(eventType))
		if err == nil && ok {
			handlers = append(handlers, e.handler)
		}
	}
	return handlers
}

// globForm maps the dot hierarchy of event types onto the path
// separators the glob matcher segments on.
func globForm(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}
