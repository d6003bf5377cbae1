package workflow

import (
	"context"
	"fmt"
	"sync"

	"picks-pipeline/internal/models"
)

// Capability names known to the routing layer.
const (
	SearchToolName    = "tavily_search_results_json"
	RetrieverToolName = "retrieve_catalog"
	FetchPageToolName = "fetch_page"
)

// ChatModel is the language-model dependency shared by every model-backed node.
type ChatModel interface {
	Generate(ctx context.Context, req *models.ModelRequest) (*models.ModelResponse, error)
}

// Capability is an external tool the agent may ask to invoke.
type Capability interface {
	Spec() models.ToolSpec
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Registry maps capability names to implementations and keeps registration order.
type Registry struct {
	mu    sync.RWMutex
	caps  map[string]Capability
	order []string
}

func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{caps: make(map[string]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("capability is nil")
	}
	name := c.Spec().Name
	if name == "" {
		return fmt.Errorf("capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("capability %s already registered", name)
	}
	r.caps[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Specs returns the tool declarations in registration order.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.caps[name].Spec())
	}
	return specs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// validateArguments checks required fields and primitive types against the
// capability's declared parameters.
func validateArguments(args map[string]any, schema *models.Schema) error {
	if schema == nil {
		return nil
	}
	for _, field := range schema.Required {
		v, ok := args[field]
		if !ok || v == nil {
			return fmt.Errorf("missing required argument %q", field)
		}
	}
	for key, value := range args {
		prop, ok := schema.Properties[key]
		if !ok || prop == nil {
			continue
		}
		if err := checkType(value, prop); err != nil {
			return fmt.Errorf("argument %q: %w", key, err)
		}
	}
	return nil
}

func checkType(value any, prop *models.Schema) error {
	switch prop.Type {
	case models.SchemaString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if s == "" {
			return fmt.Errorf("must not be empty")
		}
	case models.SchemaNumber, models.SchemaInteger:
		f, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		if prop.Minimum != nil && f < *prop.Minimum {
			return fmt.Errorf("%v is below minimum %v", f, *prop.Minimum)
		}
		if prop.Maximum != nil && f > *prop.Maximum {
			return fmt.Errorf("%v is above maximum %v", f, *prop.Maximum)
		}
	case models.SchemaBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
