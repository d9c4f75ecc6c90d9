// Package capability hosts the pluggable units of executable behavior that
// approved actions invoke. The registry is an explicit injected object built
// at process start; there is no package-level singleton, so tests can wire
// doubles without cross-test state.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flowgate/flowgate/internal/apperr"
)

// DataHandle is the tenant-scoped data access passed to handlers. It is
// request-scoped and never shared across concurrent invocations.
type DataHandle interface {
	TenantID() string
}

// Invocation is everything a handler receives for one execution.
type Invocation struct {
	ModuleSlug string
	Capability string
	TenantID   string
	ActorID    string
	TaskID     string
	ApprovalID string
	Payload    map[string]any
	Data       DataHandle
	Logger     *slog.Logger
}

// Handler performs the side effect. Redelivery is possible, so side effects
// must be idempotent or deduplicated by TaskID. Retryable failures are
// returned as apperr transient/execution errors; apperr terminal errors
// skip the retry budget entirely.
type Handler interface {
	Execute(ctx context.Context, inv Invocation) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, inv Invocation) (map[string]any, error) {
	return f(ctx, inv)
}

// Descriptor declares a capability and its input/output JSON Schemas.
// Input is validated before the handler runs; output is validated before an
// execution may count as completed. Output that fails its schema is an
// execution failure, not a success with bad data.
type Descriptor struct {
	ModuleSlug   string
	Name         string
	InputSchema  string
	OutputSchema string
}

type entry struct {
	desc    Descriptor
	handler Handler
	input   *gojsonschema.Schema
	output  *gojsonschema.Schema
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry { return &Registry{entries: map[string]*entry{}} }

func capKey(moduleSlug, name string) string { return moduleSlug + "/" + name }

// Register compiles the declared schemas and adds the capability.
// Registering the same (module, name) twice is a programming error.
func (r *Registry) Register(desc Descriptor, h Handler) error {
	if desc.ModuleSlug == "" || desc.Name == "" {
		return apperr.Validation("capability descriptor needs moduleSlug and name")
	}
	in, err := compileSchema(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("capability %s input schema: %w", capKey(desc.ModuleSlug, desc.Name), err)
	}
	out, err := compileSchema(desc.OutputSchema)
	if err != nil {
		return fmt.Errorf("capability %s output schema: %w", capKey(desc.ModuleSlug, desc.Name), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := capKey(desc.ModuleSlug, desc.Name)
	if _, exists := r.entries[k]; exists {
		return apperr.Validation("capability %s already registered", k)
	}
	r.entries[k] = &entry{desc: desc, handler: h, input: in, output: out}
	return nil
}

func compileSchema(doc string) (*gojsonschema.Schema, error) {
	if doc == "" {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
}

// Resolve returns the descriptor for a registered capability.
func (r *Registry) Resolve(moduleSlug, name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[capKey(moduleSlug, name)]
	if !ok {
		return Descriptor{}, apperr.NotFound("capability %s/%s not registered", moduleSlug, name)
	}
	return e.desc, nil
}

// ValidateInput checks a submission payload against the capability's input
// schema at ingress, so untyped documents never reach the state machine.
func (r *Registry) ValidateInput(moduleSlug, name string, payload map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[capKey(moduleSlug, name)]
	r.mu.RUnlock()
	if !ok {
		return apperr.NotFound("capability %s/%s not registered", moduleSlug, name)
	}
	return validate(e.input, payload, "input")
}

func validate(schema *gojsonschema.Schema, doc map[string]any, what string) error {
	if schema == nil {
		return nil
	}
	res, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return apperr.Validation("%s document not validatable: %v", what, err)
	}
	if !res.Valid() {
		first := res.Errors()[0]
		return apperr.Validation("%s schema violation: %s", what, first.String())
	}
	return nil
}

// Invoke runs the handler with validated input and validates its output.
// A panicking handler, a schema-violating result and a plain error all
// surface uniformly as execution failures; only an explicitly terminal
// error is exempt from retry.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (outputs map[string]any, err error) {
	r.mu.RLock()
	e, ok := r.entries[capKey(inv.ModuleSlug, inv.Capability)]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("capability %s/%s not registered", inv.ModuleSlug, inv.Capability)
	}
	if verr := validate(e.input, inv.Payload, "input"); verr != nil {
		// malformed payload discovered at execution time is terminal
		return nil, apperr.Terminal(verr)
	}
	defer func() {
		if rec := recover(); rec != nil {
			outputs = nil
			err = apperr.Execution("capability %s/%s panicked: %v", inv.ModuleSlug, inv.Capability, rec)
		}
	}()
	outputs, err = e.handler.Execute(ctx, inv)
	if err != nil {
		return nil, err
	}
	if verr := validate(e.output, outputs, "output"); verr != nil {
		return nil, apperr.Execution("capability %s/%s returned invalid output: %v", inv.ModuleSlug, inv.Capability, verr)
	}
	return outputs, nil
}
