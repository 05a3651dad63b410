package graph

import (
	"fmt"
	"log/slog"
)

// CycleError reports a circular dependency discovered during sorting.
// Node is the first node found on the cycle.
type CycleError struct {
	Node string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("Circular dependency detected at %q", e.Node)
}

type mark int

const (
	unvisited mark = iota
	inProgress
	done
)

// Sort returns the nodes ordered so that every node appears after all of its
// dependencies. Nodes are visited in input order, which keeps tie-breaks
// stable for a given input. Edges map a node name to the names it depends on.
// Dependency names that are not in nodes are logged and skipped.
func Sort(nodes []string, edges map[string][]string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n] = struct{}{}
	}

	marks := make(map[string]mark, len(nodes))
	order := make([]string, 0, len(nodes))

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case done:
			return nil
		case inProgress:
			return &CycleError{Node: name}
		}
		marks[name] = inProgress
		for _, dep := range edges[name] {
			if _, ok := known[dep]; !ok {
				logger.Warn("unknown dependency skipped", "node", name, "dependency", dep)
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = done
		order = append(order, name)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
