// Package runtime maps host calls onto registered actions: it owns the
// slug registry, starts one goroutine per transaction, and funnels every
// IO call a handler makes through the transaction state machine and the
// call layer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"hostlink/codec"
	"hostlink/message"
)

// Slugs may contain only letters, numbers, underscores, periods, and
// hyphens.
var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrRegistryFrozen rejects registration after the client has connected.
// The host's view of available actions is fixed at connect time.
var ErrRegistryFrozen = errors.New("runtime: registry is frozen after connect")

// DuplicateSlugError reports a second registration for the same slug.
type DuplicateSlugError struct {
	Slug string
}

func (e *DuplicateSlugError) Error() string {
	return fmt.Sprintf("runtime: action %q is already registered", e.Slug)
}

// SlugNotFoundError reports a START_TRANSACTION for an unregistered slug.
// It is surfaced to the host as a structured error response, never a crash.
type SlugNotFoundError struct {
	Slug string
}

func (e *SlugNotFoundError) Error() string {
	return fmt.Sprintf("runtime: no action registered for slug %q", e.Slug)
}

// Handler is the body of an action. It runs on its own goroutine per
// transaction and suspends at each IO call until the host answers.
type Handler func(ctx context.Context, io *IO, actx *Context) (codec.Value, error)

// Options tune how an action is announced to the host.
type Options struct {
	Unlisted bool
}

type action struct {
	slug    string
	handler Handler
	opts    Options
}

// Registry maps slugs to handlers. Read-mostly: populated during startup,
// frozen before the session connects, then only read by dispatch.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]action
	order  []string
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]action)}
}

// Register adds an action. Fails with DuplicateSlugError on collision,
// with ErrRegistryFrozen once the client has connected, and on slugs
// containing characters outside [A-Za-z0-9_.-].
func (r *Registry) Register(slug string, handler Handler, opts Options) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("runtime: invalid slug %q: only letters, numbers, underscores, periods, and hyphens are allowed", slug)
	}
	if handler == nil {
		return fmt.Errorf("runtime: nil handler for slug %q", slug)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.byName[slug]; exists {
		return &DuplicateSlugError{Slug: slug}
	}
	r.byName[slug] = action{slug: slug, handler: handler, opts: opts}
	r.order = append(r.order, slug)
	return nil
}

// Freeze makes the registry immutable. Called once, right before connect.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) lookup(slug string) (action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[slug]
	if !ok {
		return action{}, &SlugNotFoundError{Slug: slug}
	}
	return a, nil
}

// Definitions lists the registered actions in registration order, for the
// INITIALIZE_HOST announcement.
func (r *Registry) Definitions() []message.ActionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]message.ActionDefinition, 0, len(r.order))
	for _, slug := range r.order {
		a := r.byName[slug]
		defs = append(defs, message.ActionDefinition{Slug: a.slug, Unlisted: a.opts.Unlisted})
	}
	return defs
}
