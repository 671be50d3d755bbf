package node

import (
	"fmt"
	"maps"
	"slices"

	"github.com/wehubfusion/Conflux/internal/naming"
)

// RegistrySnapshot is the serializable form of a Registry.
type RegistrySnapshot struct {
	SchemaVersion int                 `json:"schema_version"`
	Version       uint64              `json:"version"`
	Nodes         []Snapshot          `json:"nodes"`
	Dependencies  map[string][]string `json:"dependencies,omitempty"`
}

// Checkpoint captures every node in insertion order and the dependency DAG.
func (r *Registry) Checkpoint() RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := RegistrySnapshot{
		SchemaVersion: SchemaVersion,
		Version:       r.version,
		Nodes:         make([]Snapshot, 0, len(r.order)),
		Dependencies:  make(map[string][]string, len(r.deps)),
	}
	for _, id := range r.order {
		snap.Nodes = append(snap.Nodes, r.nodes[id].Checkpoint())
	}
	for id, deps := range r.deps {
		if len(deps) > 0 {
			snap.Dependencies[id] = slices.Clone(deps)
		}
	}
	return snap
}

// Restore replaces the registry contents with snap. Nodes that already
// exist are restored in place; missing ones are rebuilt through the
// creator registered for their type.
func (r *Registry) Restore(snap RegistrySnapshot) error {
	if snap.SchemaVersion > SchemaVersion {
		return fmt.Errorf("unsupported registry schema version %d", snap.SchemaVersion)
	}

	r.mu.RLock()
	existing := maps.Clone(r.nodes)
	r.mu.RUnlock()

	nodes := make(map[string]Node, len(snap.Nodes))
	order := make([]string, 0, len(snap.Nodes))
	for _, ns := range snap.Nodes {
		id := ns.Metadata.ID
		n, ok := existing[id]
		if !ok {
			created, err := r.recreate(ns.Metadata.Type, id)
			if err != nil {
				return err
			}
			n = created
		}
		if err := n.Restore(ns); err != nil {
			return fmt.Errorf("restore node %s: %w", id, err)
		}
		nodes[id] = n
		order = append(order, id)
	}

	deps := make(map[string][]string, len(snap.Dependencies))
	for id, list := range snap.Dependencies {
		if _, ok := nodes[id]; !ok {
			return fmt.Errorf("dependency of unknown node %s: %w", id, ErrNodeNotFound)
		}
		for _, dep := range list {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("node %s depends on unknown node %s: %w", id, dep, ErrNodeNotFound)
			}
		}
		deps[id] = slices.Clone(list)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	r.order = order
	r.deps = deps
	r.version = snap.Version
	return nil
}

func (r *Registry) recreate(typeName, id string) (Node, error) {
	r.mu.RLock()
	creator, ok := r.creators[naming.Key(typeName)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("recreate node %s: %w: %s", id, ErrNoCreator, typeName)
	}
	n, err := creator(r.graph, id)
	if err != nil {
		return nil, fmt.Errorf("recreate node %s: %w", id, err)
	}
	n.base().setType(typeName)
	return n, nil
}
