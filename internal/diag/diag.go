// Package diag implements a process-wide, named-component health
// registry, exposed read-only over the HTTP surface. Grounded on the
// teacher's internal/util/diag package, referenced throughout its
// wire_gen.go files as diag.New / diags.Register.
package diag

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Diagnostic reports a single named component's health check result.
type Diagnostic struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthCheck returns an error describing a component's problem, or
// nil if the component is healthy.
type HealthCheck interface {
	HealthCheck(ctx context.Context) error
}

// Diagnostics is a registry of named health-checkable components plus
// a free-form log of non-fatal runtime diagnostics (e.g. hash
// mismatches, spec.md section 4.6).
type Diagnostics struct {
	mu         sync.Mutex
	components map[string]HealthCheck
	events     []string
	maxEvents  int
}

// New constructs an empty Diagnostics registry.
func New(_ context.Context) (*Diagnostics, func()) {
	d := &Diagnostics{
		components: make(map[string]HealthCheck),
		maxEvents:  1000,
	}
	return d, func() {}
}

// Register adds a named, health-checkable component. It is an error to
// register the same name twice.
func (d *Diagnostics) Register(name string, check HealthCheck) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.components[name]; found {
		return errors.Errorf("diagnostics: component %q already registered", name)
	}
	d.components[name] = check
	return nil
}

// Report appends a free-form diagnostic event, e.g. a HashMismatch
// notice from the conflict resolver.
func (d *Diagnostics) Report(event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	if len(d.events) > d.maxEvents {
		d.events = d.events[len(d.events)-d.maxEvents:]
	}
}

// Events returns a snapshot of recently reported diagnostic events.
func (d *Diagnostics) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

// Check runs every registered component's health check and returns the
// results, sorted by component name for determinism.
func (d *Diagnostics) Check(ctx context.Context) []Diagnostic {
	d.mu.Lock()
	names := make([]string, 0, len(d.components))
	checks := make(map[string]HealthCheck, len(d.components))
	for name, check := range d.components {
		names = append(names, name)
		checks[name] = check
	}
	d.mu.Unlock()

	sort.Strings(names)
	out := make([]Diagnostic, 0, len(names))
	for _, name := range names {
		diagEntry := Diagnostic{Name: name, Healthy: true}
		if err := checks[name].HealthCheck(ctx); err != nil {
			diagEntry.Healthy = false
			diagEntry.Detail = err.Error()
		}
		out = append(out, diagEntry)
	}
	return out
}
