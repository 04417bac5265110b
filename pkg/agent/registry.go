package agent

import (
	"fmt"
	"sync"

	"github.com/sceneweaver/sceneweaver/pkg/models"
)

// ParseFunc converts a raw LLM response into an AgentResult. The task
// payload is available for parsers that need request context (e.g. the
// iteration number). A parse failure surfaces as AgentError with kind
// parse; it never kills the worker.
type ParseFunc func(raw string, payload map[string]any) (*models.AgentResult, error)

// Definition registers one agent role: its tag, the LLM system prompt, and
// the response parser.
type Definition struct {
	Role         models.Role
	SystemPrompt string
	Parse        ParseFunc
}

// Registry holds the registered agent definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[models.Role]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[models.Role]*Definition)}
}

// Register adds a definition. Re-registering a role replaces it.
func (r *Registry) Register(def *Definition) error {
	if def == nil || !def.Role.Valid() {
		return fmt.Errorf("invalid agent definition")
	}
	if def.Parse == nil {
		return fmt.Errorf("agent %s: parse hook is required", def.Role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Role] = def
	return nil
}

// Get returns the definition for a role.
func (r *Registry) Get(role models.Role) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[role]
	return d, ok
}

// Roles returns the registered role tags.
func (r *Registry) Roles() []models.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]models.Role, 0, len(r.defs))
	for role := range r.defs {
		roles = append(roles, role)
	}
	return roles
}
