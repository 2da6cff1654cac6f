// Package pieces provides the connector catalog consumed by the
// trigger engine and flow validation: named pieces exposing actions
// and triggers whose settings are validated against JSON schemas.
package pieces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flowdeck/flowdeck/pkg/types"
)

// Common errors returned by catalog lookups.
var (
	ErrPieceNotFound   = errors.New("piece not found")
	ErrTriggerNotFound = errors.New("piece trigger not found")
	ErrActionNotFound  = errors.New("piece action not found")
)

// Registry resolves pieces by name.
type Registry interface {
	Resolve(name string) (*Piece, error)
}

// TriggerContext is handed to a trigger's lifecycle hooks.
type TriggerContext struct {
	// WebhookURL is the deterministic callback URL the piece should
	// register with the third-party service.
	WebhookURL string

	// Input is the trigger's configured settings input.
	Input map[string]any
}

// TriggerDef describes one trigger exposed by a piece.
type TriggerDef struct {
	Name     string
	Strategy types.PieceStrategy

	// Props is a JSON schema the trigger's input must satisfy.
	Props json.RawMessage

	// OnEnable registers the external hook (WEBHOOK strategy).
	OnEnable func(ctx context.Context, tc *TriggerContext) error

	// OnDisable deregisters the external hook.
	OnDisable func(ctx context.Context, tc *TriggerContext) error

	schema *jsonschema.Schema
}

// ActionDef describes one action exposed by a piece.
type ActionDef struct {
	Name  string
	Props json.RawMessage

	schema *jsonschema.Schema
}

// Piece is one connector module.
type Piece struct {
	Name     string
	Version  string
	triggers map[string]*TriggerDef
	actions  map[string]*ActionDef
}

// NewPiece assembles a piece, compiling every declared prop schema.
func NewPiece(name, version string, triggers []*TriggerDef, actions []*ActionDef) (*Piece, error) {
	p := &Piece{
		Name:     name,
		Version:  version,
		triggers: make(map[string]*TriggerDef, len(triggers)),
		actions:  make(map[string]*ActionDef, len(actions)),
	}
	for _, t := range triggers {
		schema, err := compileProps(fmt.Sprintf("%s/triggers/%s.json", name, t.Name), t.Props)
		if err != nil {
			return nil, err
		}
		t.schema = schema
		p.triggers[t.Name] = t
	}
	for _, a := range actions {
		schema, err := compileProps(fmt.Sprintf("%s/actions/%s.json", name, a.Name), a.Props)
		if err != nil {
			return nil, err
		}
		a.schema = schema
		p.actions[a.Name] = a
	}
	return p, nil
}

func compileProps(url string, props json.RawMessage) (*jsonschema.Schema, error) {
	if len(props) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(url, strings.NewReader(string(props))); err != nil {
		return nil, fmt.Errorf("add props schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile props schema: %w", err)
	}
	return schema, nil
}

// GetTrigger returns the named trigger definition.
func (p *Piece) GetTrigger(name string) (*TriggerDef, error) {
	t, ok := p.triggers[name]
	if !ok {
		return nil, ErrTriggerNotFound
	}
	return t, nil
}

// GetAction returns the named action definition.
func (p *Piece) GetAction(name string) (*ActionDef, error) {
	a, ok := p.actions[name]
	if !ok {
		return nil, ErrActionNotFound
	}
	return a, nil
}

// ValidateInput checks input against the trigger's prop schema.
// A trigger without props accepts anything.
func (t *TriggerDef) ValidateInput(input map[string]any) bool {
	return validate(t.schema, input)
}

// ValidateInput checks input against the action's prop schema.
func (a *ActionDef) ValidateInput(input map[string]any) bool {
	return validate(a.schema, input)
}

func validate(schema *jsonschema.Schema, input map[string]any) bool {
	if schema == nil {
		return true
	}
	if input == nil {
		input = map[string]any{}
	}
	// The validator only accepts decoded JSON types; settings input
	// already arrives decoded from JSON.
	return schema.Validate(normalize(input)) == nil
}

// normalize round-trips input through JSON so non-JSON Go types
// (e.g. int) validate the same as their wire form.
func normalize(input map[string]any) any {
	data, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return input
	}
	return out
}

// MemoryRegistry is a static in-process catalog.
type MemoryRegistry struct {
	pieces map[string]*Piece
}

// NewMemoryRegistry creates a catalog from the given pieces.
func NewMemoryRegistry(all ...*Piece) *MemoryRegistry {
	r := &MemoryRegistry{pieces: make(map[string]*Piece, len(all))}
	for _, p := range all {
		r.pieces[p.Name] = p
	}
	return r
}

// Register adds or replaces a piece.
func (r *MemoryRegistry) Register(p *Piece) {
	r.pieces[p.Name] = p
}

func (r *MemoryRegistry) Resolve(name string) (*Piece, error) {
	p, ok := r.pieces[name]
	if !ok {
		return nil, ErrPieceNotFound
	}
	return p, nil
}

var _ Registry = (*MemoryRegistry)(nil)
