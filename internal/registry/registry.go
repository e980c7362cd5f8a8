// Package registry is the workflow registry: a mapping from
// workflow-type-name to a factory function, used by the coordinator to
// instantiate a workflow.Impl given its configuration and injected
// services.
package registry

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/workflow"
)

// Factory builds a fresh workflow.Impl from config and the shared
// services a Runtime will be constructed with.
type Factory func(config map[string]interface{}, svc *workflow.Services) (workflow.Impl, error)

// TypeInfo is the registered metadata for one workflow type.
type TypeInfo struct {
	Name                  string
	DisplayName           string
	RequiresPipeline      bool
	CoordinatorInstruction string
	Factory               Factory
}

// Registry is the Workflow Registry.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]TypeInfo)}
}

// Register adds or replaces the factory for info.Name. Registration is
// idempotent per process; a second register for the same name overwrites
// the first with a logged warning.
func (r *Registry) Register(info TypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[info.Name]; exists {
		log.WithField("type", info.Name).Warn("workflow type registered again; overwriting previous factory")
	}
	r.types[info.Name] = info
}

// Build instantiates a fresh workflow.Impl of the named type.
func (r *Registry) Build(typeName string, config map[string]interface{}, svc *workflow.Services) (workflow.Impl, error) {
	r.mu.RLock()
	info, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow type %q", typeName)
	}
	return info.Factory(config, svc)
}

// Info returns the registered metadata for typeName.
func (r *Registry) Info(typeName string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[typeName]
	return info, ok
}

// List returns every registered type, sorted by name.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
