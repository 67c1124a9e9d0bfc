package dynlink

import "iter"

// ModuleTree is the traversal defining one root module's symbol-search
// order: the root first, then its direct dependencies in DT_NEEDED order,
// then theirs, breadth-first, visiting each module once even in
// diamond-dependency graphs. It is a view over shared module identity,
// not an owning structure.
type ModuleTree struct {
	root *Module
}

func (t ModuleTree) Root() *Module { return t.root }

// All yields the scope's modules in search order.
func (t ModuleTree) All() iter.Seq[*Module] {
	return func(yield func(*Module) bool) {
		if t.root == nil {
			return
		}
		seen := map[*Module]bool{t.root: true}
		queue := []*Module{t.root}
		for len(queue) > 0 {
			m := queue[0]
			queue = queue[1:]
			if !yield(m) {
				return
			}
			for _, dep := range m.deps {
				if !seen[dep] {
					seen[dep] = true
					queue = append(queue, dep)
				}
			}
		}
	}
}
