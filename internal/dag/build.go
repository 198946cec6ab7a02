package dag

import (
	"context"
	"fmt"
)

// Node is a DAG payload that knows its parents. Commits and operations both
// implement it, so the two DAGs share one indexing path.
type Node interface {
	ParentIDs() []ID
}

// Loader fetches the node stored under id.
type Loader[N Node] func(ctx context.Context, id ID) (N, error)

// Build indexes every ancestor of heads that x does not know yet, loading
// nodes through load and adding them parents-first. It returns the ids it
// added, in insertion order. Already indexed nodes stop the walk, so
// extending an index costs only the new part of the graph.
func Build[N Node](ctx context.Context, x *Index, heads []ID, load Loader[N]) ([]ID, error) {
	type frame struct {
		id      ID
		parents []ID
		next    int
	}

	var added []ID
	visiting := make(map[ID]bool)
	var stack []frame

	push := func(id ID, child ID) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := load(ctx, id)
		if err != nil {
			if child.Defined() {
				return fmt.Errorf("load %s (parent of %s): %w", id, child, err)
			}
			return fmt.Errorf("load %s: %w", id, err)
		}
		visiting[id] = true
		stack = append(stack, frame{id: id, parents: n.ParentIDs()})
		return nil
	}

	for _, h := range heads {
		if visiting[h] || x.Has(h) {
			continue
		}
		if err := push(h, Undef); err != nil {
			return added, err
		}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.parents) {
				p := top.parents[top.next]
				top.next++
				if visiting[p] || x.Has(p) {
					continue
				}
				if err := push(p, top.id); err != nil {
					return added, err
				}
				continue
			}
			if err := x.Add(top.id, top.parents); err != nil {
				return added, err
			}
			added = append(added, top.id)
			stack = stack[:len(stack)-1]
		}
	}
	return added, nil
}
