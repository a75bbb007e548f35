package ipc

import "fmt"

// Handler processes one envelope and returns zero or more response
// envelopes to publish back onto the bus.
type Handler func(Envelope) []Envelope

// Router dispatches inbound envelopes by exact Type match. It is built to
// be exhaustive over the closed Type set declared in envelope.go: an
// envelope whose Type has no registered handler is an exhaustiveness
// violation, not a string-parsed fallback, so Dispatch panics rather than
// silently dropping it.
type Router struct {
	handlers map[Type]Handler
}

// NewRouter builds a Router with no handlers registered; call On for each
// of the eight closed Types before serving traffic.
func NewRouter() *Router {
	return &Router{handlers: make(map[Type]Handler)}
}

// On registers the handler for a given message Type.
func (r *Router) On(typ Type, h Handler) *Router {
	r.handlers[typ] = h
	return r
}

// Dispatch validates the inbound envelope and routes it by exact Type
// match. A malformed envelope produces a TASK_ERROR with
// operation=UNKNOWN rather than being routed. An envelope whose Type has
// no registered handler panics: this is the compile/runtime
// exhaustiveness violation named in §9, not a recoverable condition.
func (r *Router) Dispatch(e Envelope) []Envelope {
	if err := e.Validate(); err != nil {
		errEnv := New(e.TaskID, e.ContextID, TypeTaskError, UnknownTypeError(err))
		return []Envelope{errEnv}
	}

	h, ok := r.handlers[e.Type]
	if !ok {
		panic(fmt.Sprintf("ipc: no handler registered for exhaustive type %q", e.Type))
	}
	return h(e)
}
