// Package taskbody holds the pluggable extraction task bodies and the
// static registry the worker loop dispatches through. The queue core never
// inspects an input reference or options payload; both pass through to the
// body untouched.
package taskbody

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ProgressFunc reports advisory progress (0-100) back to the worker loop,
// which persists it and refreshes the job heartbeat.
type ProgressFunc func(progress int)

// Input is the opaque slice of the job record a body is allowed to see.
type Input struct {
	Ref     string
	Options json.RawMessage
}

// TaskBody executes one extraction task. Errors should be classified with
// the classify package wrappers or sentinels where the body knows better
// than the default taxonomy.
type TaskBody interface {
	Execute(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error)
}

// Func adapts a function to the TaskBody interface.
type Func func(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, in Input, report ProgressFunc) (json.RawMessage, error) {
	return f(ctx, in, report)
}

// Registry maps task kinds to bodies. It is constructed once at startup
// and read-only afterwards, so no locking is needed.
type Registry struct {
	bodies map[string]TaskBody
}

// NewRegistry builds a registry from a kind-to-body map.
func NewRegistry(bodies map[string]TaskBody) *Registry {
	m := make(map[string]TaskBody, len(bodies))
	for kind, body := range bodies {
		m[kind] = body
	}
	return &Registry{bodies: m}
}

// Get returns the body for kind.
func (r *Registry) Get(kind string) (TaskBody, error) {
	body, ok := r.bodies[kind]
	if !ok {
		return nil, fmt.Errorf("no task body registered for kind %q", kind)
	}
	return body, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.bodies))
	for k := range r.bodies {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
