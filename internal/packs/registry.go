// ABOUTME: Thread-safe registry of tool packs and their tools
// ABOUTME: Rejects duplicate packs and tool name collisions across packs

package packs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrPackAlreadyRegistered indicates a pack with the same ID is already registered.
var ErrPackAlreadyRegistered = errors.New("pack already registered")

// ErrToolCollision indicates a tool name already exists in another pack.
var ErrToolCollision = errors.New("tool name collision")

type entry struct {
	Tool   *BuiltinTool
	PackID string
}

// Registry maps tool names to their handlers.
type Registry struct {
	mu     sync.RWMutex
	packs  map[string][]string // pack id -> tool names
	tools  map[string]*entry
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		packs:  make(map[string][]string),
		tools:  make(map[string]*entry),
		logger: logger.With("component", "registry"),
	}
}

// RegisterPack adds every tool of pack, or none of them on collision.
func (r *Registry) RegisterPack(pack *BuiltinPack) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.packs[pack.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPackAlreadyRegistered, pack.ID)
	}

	seen := make(map[string]bool, len(pack.Tools))
	for _, tool := range pack.Tools {
		name := tool.Definition.Name
		if existing, exists := r.tools[name]; exists {
			return fmt.Errorf("%w: tool '%s' already registered by pack '%s'", ErrToolCollision, name, existing.PackID)
		}
		if seen[name] {
			return fmt.Errorf("%w: tool '%s' declared twice in pack '%s'", ErrToolCollision, name, pack.ID)
		}
		seen[name] = true
	}

	names := make([]string, 0, len(pack.Tools))
	for _, tool := range pack.Tools {
		r.tools[tool.Definition.Name] = &entry{Tool: tool, PackID: pack.ID}
		names = append(names, tool.Definition.Name)
	}
	r.packs[pack.ID] = names

	r.logger.Info("pack registered",
		"pack_id", pack.ID,
		"tool_count", len(pack.Tools),
		"total_tools", len(r.tools))
	return nil
}

// UnregisterPack removes a pack and its tools.
func (r *Registry) UnregisterPack(packID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.packs[packID]
	if !ok {
		return
	}
	for _, name := range names {
		delete(r.tools, name)
	}
	delete(r.packs, packID)
	r.logger.Info("pack unregistered", "pack_id", packID, "total_tools", len(r.tools))
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*BuiltinTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.Tool, true
}

// Definitions returns the definitions of the named tools that are registered,
// in the given order. A nil names slice returns every tool sorted by name.
func (r *Registry) Definitions(names []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if names == nil {
		names = make([]string, 0, len(r.tools))
		for n := range r.tools {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if e, ok := r.tools[n]; ok {
			out = append(out, e.Tool.Definition)
		}
	}
	return out
}

// PackInfo describes a registered pack.
type PackInfo struct {
	ID        string   `json:"id"`
	ToolNames []string `json:"tools"`
}

// ListPacks returns every pack sorted by id.
func (r *Registry) ListPacks() []PackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PackInfo, 0, len(r.packs))
	for id, names := range r.packs {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		out = append(out, PackInfo{ID: id, ToolNames: sorted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
