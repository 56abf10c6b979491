package amcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidDescriptor is returned by NewRegistry for a bad verb table.
var ErrInvalidDescriptor = errors.New("invalid command descriptor")

// Action executes a command on its queue worker.
type Action func(ctx context.Context, cmd *Command) (Reply, error)

// Descriptor describes one verb.
type Descriptor struct {
	Verb           string
	MinParams      int
	RequiresTarget bool
	Directive      Directive
	Action         Action
	Usage          string
}

// Registry maps verbs to descriptors. It is immutable once built and safe
// for concurrent lookups.
type Registry struct {
	byVerb map[string]*Descriptor
	verbs  []string
}

// NewRegistry validates descs and builds a Registry. Verbs are stored upper
// case; duplicates differing only by case are rejected.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byVerb: make(map[string]*Descriptor, len(descs)),
		verbs:  make([]string, 0, len(descs)),
	}

	for i := range descs {
		d := descs[i]
		d.Verb = strings.ToUpper(strings.TrimSpace(d.Verb))

		switch {
		case d.Verb == "":
			return nil, fmt.Errorf("%w: entry %d has no verb", ErrInvalidDescriptor, i)
		case strings.ContainsAny(d.Verb, " \t\""):
			return nil, fmt.Errorf("%w: verb %q contains separators", ErrInvalidDescriptor, d.Verb)
		case d.Action == nil:
			return nil, fmt.Errorf("%w: verb %s has no action", ErrInvalidDescriptor, d.Verb)
		case d.MinParams < 0:
			return nil, fmt.Errorf("%w: verb %s has negative min params", ErrInvalidDescriptor, d.Verb)
		}
		if _, exists := r.byVerb[d.Verb]; exists {
			return nil, fmt.Errorf("%w: duplicate verb %s", ErrInvalidDescriptor, d.Verb)
		}

		r.byVerb[d.Verb] = &d
		r.verbs = append(r.verbs, d.Verb)
	}

	sort.Strings(r.verbs)
	return r, nil
}

// Lookup finds the descriptor for verb, ignoring case.
func (r *Registry) Lookup(verb string) (*Descriptor, bool) {
	d, ok := r.byVerb[strings.ToUpper(verb)]
	return d, ok
}

// Verbs returns every registered verb, sorted.
func (r *Registry) Verbs() []string {
	out := make([]string, len(r.verbs))
	copy(out, r.verbs)
	return out
}

// Descriptors returns copies of every descriptor, sorted by verb.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.verbs))
	for _, v := range r.verbs {
		out = append(out, *r.byVerb[v])
	}
	return out
}

// Len returns the number of registered verbs.
func (r *Registry) Len() int {
	return len(r.verbs)
}
