package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// Registry maps action kinds to handlers and validates parameters against
// the catalog schema before a handler runs. It implements Executor.
//
// Handlers are registered during startup; Register must not be called
// concurrently with Execute.
type Registry struct {
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

var _ Executor = (*Registry)(nil)

// NewRegistry compiles the parameter schema of every catalog tool. A nil
// catalog yields a registry without validation.
func NewRegistry(catalog *Catalog) (*Registry, error) {
	r := &Registry{
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	if catalog == nil {
		return r, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, t := range catalog.Tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("action %q: marshal schema: %w", t.Name, err)
		}
		url := "mem://actions/" + t.Name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("action %q: add schema: %w", t.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("action %q: compile schema: %w", t.Name, err)
		}
		r.schemas[t.Name] = schema
	}
	return r, nil
}

// Register binds kind to h. Registering a kind twice is an error.
func (r *Registry) Register(kind string, h Handler) error {
	if kind == "" {
		return errors.New("action kind is required")
	}
	if h == nil {
		return fmt.Errorf("action %q: nil handler", kind)
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("action %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute validates params and runs the handler for kind. An unknown kind or
// invalid params is reported as an unsuccessful Result, not an error.
func (r *Registry) Execute(ctx context.Context, kind string, params Params) (Result, error) {
	log := observability.WithTrace(ctx).With("kind", kind)

	h, ok := r.handlers[kind]
	if !ok {
		log.Warn("unknown action kind")
		return Failed(fmt.Sprintf("Unknown action: %s", kind)), nil
	}

	if err := r.validate(kind, params); err != nil {
		log.Warn("action parameters rejected", "err", err)
		return Failed(fmt.Sprintf("Invalid parameters for %s: %s", kind, err)), nil
	}

	log.Info("executing action")
	res, err := h.Execute(ctx, params)
	if err != nil {
		log.Error("action failed", "err", err)
		return Result{}, fmt.Errorf("action %s: %w", kind, err)
	}
	log.Info("action finished", "success", res.Success)
	return res, nil
}

func (r *Registry) validate(kind string, params Params) error {
	schema, ok := r.schemas[kind]
	if !ok {
		return nil
	}
	if params == nil {
		params = Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return errors.New(strings.TrimSpace(leafMessage(verr)))
		}
		return err
	}
	return nil
}

// leafMessage returns the most specific validation failure, which reads
// better to a user than the nested summary.
func leafMessage(e *jsonschema.ValidationError) string {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	if e.InstanceLocation == "" {
		return e.Message
	}
	return strings.TrimPrefix(e.InstanceLocation, "/") + ": " + e.Message
}
