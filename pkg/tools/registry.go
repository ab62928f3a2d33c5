package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/brigadehq/brigade/pkg/models"
)

// Tool is one operation a fiche can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage
	// Invoke runs the tool. Failures are returned as error envelopes;
	// a Go error from Invoke means infrastructure failure and aborts the run.
	Invoke(ctx context.Context, ec *ExecContext, args models.JSONMap) Envelope
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName        string
	ToolDescription string
	ArgSchema       json.RawMessage
	Fn              func(ctx context.Context, ec *ExecContext, args models.JSONMap) Envelope
}

func (f *Func) Name() string            { return f.ToolName }
func (f *Func) Description() string     { return f.ToolDescription }
func (f *Func) Schema() json.RawMessage { return f.ArgSchema }
func (f *Func) Invoke(ctx context.Context, ec *ExecContext, args models.JSONMap) Envelope {
	return f.Fn(ctx, ec, args)
}

// Registry is the immutable name→tool map built once at startup. Per-fiche
// allowlists are applied at bind time with Resolve; tests inject their own
// tool set by constructing a new registry.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	names   []string
}

// NewRegistry compiles every tool's argument schema and freezes the set.
// Duplicate names and invalid schemas are construction errors.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool, len(tools)),
		schemas: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.tools[name] = t
		if raw := t.Schema(); len(raw) > 0 {
			schema, err := compileSchema(name, raw)
			if err != nil {
				return nil, fmt.Errorf("compiling schema for tool %q: %w", name, err)
			}
			r.schemas[name] = schema
		}
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "brigade://tools/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Resolve applies a fiche's allowlist, expanding wildcards: "*" matches
// everything, "group.*" matches every tool under the prefix. Unknown plain
// names are skipped; a fiche referencing a tool that no longer exists
// still binds the rest.
func (r *Registry) Resolve(allowlist []string) []Tool {
	if len(allowlist) == 0 {
		return nil
	}
	selected := make(map[string]bool)
	for _, pattern := range allowlist {
		switch {
		case pattern == "*":
			for name := range r.tools {
				selected[name] = true
			}
		case strings.HasSuffix(pattern, ".*"):
			prefix := strings.TrimSuffix(pattern, "*")
			for name := range r.tools {
				if strings.HasPrefix(name, prefix) {
					selected[name] = true
				}
			}
		default:
			if _, ok := r.tools[pattern]; ok {
				selected[pattern] = true
			}
		}
	}
	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// ValidateArgs checks args against the tool's compiled schema. Tools
// without a schema accept anything.
func (r *Registry) ValidateArgs(name string, args models.JSONMap) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	// Round-trip to plain JSON values: the validator expects the types
	// produced by encoding/json.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	return schema.Validate(value)
}

// Dispatch validates args and invokes the named tool, trapping validation
// failures and unknown tools into error envelopes.
func (r *Registry) Dispatch(ctx context.Context, ec *ExecContext, name string, args models.JSONMap) Envelope {
	tool, ok := r.tools[name]
	if !ok {
		return Failure(ErrTypeNotFound, fmt.Sprintf("unknown tool %q", name), nil)
	}
	if err := r.ValidateArgs(name, args); err != nil {
		return Failure(ErrTypeValidation, fmt.Sprintf("invalid arguments for %q: %v", name, err), nil)
	}
	return tool.Invoke(ctx, ec, args)
}
