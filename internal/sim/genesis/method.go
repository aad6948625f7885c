// Package genesis implements the system-owned artifacts that expose kernel
// operations through the ordinary invoke_artifact protocol.
package genesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"scripworld.ai/internal/protocol"
)

// JSON Schema primitive types accepted in Param.Type.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Call is one method invocation after argument mapping.
type Call struct {
	CallerID string
	Args     map[string]any
	Tick     uint64
}

type Handler func(ctx context.Context, call Call) protocol.Result

type Method struct {
	Name        string
	Description string
	Cost        int64
	Params      []Param
	Handler     Handler

	schema *jsonschema.Schema
}

// positional returns params in the order positional arguments bind to them:
// required first, then the rest, each group in declared order.
func (m *Method) positional() []Param {
	out := make([]Param, 0, len(m.Params))
	for _, p := range m.Params {
		if p.Required {
			out = append(out, p)
		}
	}
	for _, p := range m.Params {
		if !p.Required {
			out = append(out, p)
		}
	}
	return out
}

// SchemaDoc is the JSON Schema of the method's arguments, nil when the
// method takes none.
func (m *Method) SchemaDoc() map[string]any {
	if len(m.Params) == 0 {
		return nil
	}
	props := map[string]any{}
	required := []string{}
	for _, p := range m.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (m *Method) compile(artifactID string) error {
	doc := m.SchemaDoc()
	if doc == nil {
		m.schema = nil
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("mem://genesis/%s/%s.json", artifactID, m.Name)
	s, err := jsonschema.CompileString(url, string(b))
	if err != nil {
		return fmt.Errorf("compile schema %s.%s: %w", artifactID, m.Name, err)
	}
	m.schema = s
	return nil
}

// Usage describes the argument contract in a form an automated caller can
// act on: fields with their types and an example call.
func (m *Method) Usage(artifactID string) string {
	var req, opt []string
	example := make([]string, 0, len(m.Params))
	for _, p := range m.positional() {
		field := fmt.Sprintf("%s (%s)", p.Name, p.Type)
		if p.Required {
			req = append(req, field)
			example = append(example, exampleValue(p))
		} else {
			opt = append(opt, field)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "required: [%s]", strings.Join(req, ", "))
	if len(opt) > 0 {
		fmt.Fprintf(&b, "; optional: [%s]", strings.Join(opt, ", "))
	}
	fmt.Fprintf(&b, `; example: invoke_artifact("%s", "%s", [%s])`, artifactID, m.Name, strings.Join(example, ", "))
	return b.String()
}

func exampleValue(p Param) string {
	switch p.Type {
	case TypeInteger:
		return "10"
	case TypeNumber:
		return "1.5"
	case TypeBoolean:
		return "true"
	case TypeArray:
		return `["a", "b"]`
	case TypeObject:
		return "{}"
	default:
		return `"` + p.Name + `"`
	}
}

// Artifact is a named dispatch table of methods owned by the system.
type Artifact struct {
	ID          string
	Description string

	methods map[string]*Method
	order   []string
}

func NewArtifact(id, description string) *Artifact {
	return &Artifact{ID: id, Description: description, methods: map[string]*Method{}}
}

// RegisterMethod adds m, replacing any method with the same name.
func (a *Artifact) RegisterMethod(m Method) error {
	if m.Name == "" || m.Handler == nil {
		return fmt.Errorf("genesis %s: method needs a name and a handler", a.ID)
	}
	if m.Cost < 0 {
		return fmt.Errorf("genesis %s.%s: negative cost", a.ID, m.Name)
	}
	if err := m.compile(a.ID); err != nil {
		return err
	}
	if _, ok := a.methods[m.Name]; !ok {
		a.order = append(a.order, m.Name)
	}
	a.methods[m.Name] = &m
	return nil
}

func (a *Artifact) Method(name string) (*Method, bool) {
	m, ok := a.methods[name]
	return m, ok
}

// Methods returns method names in registration order.
func (a *Artifact) Methods() []string {
	return append([]string(nil), a.order...)
}

type MethodInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Cost        int64          `json:"cost"`
	Schema      map[string]any `json:"input_schema,omitempty"`
}

func (a *Artifact) Describe() []MethodInfo {
	out := make([]MethodInfo, 0, len(a.order))
	for _, name := range a.order {
		m := a.methods[name]
		out = append(out, MethodInfo{Name: m.Name, Description: m.Description, Cost: m.Cost, Schema: m.SchemaDoc()})
	}
	return out
}
