package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relationaldba/provisiond/internal/ir"
)

// DAG is the dependency graph of a template's resources.
type DAG struct {
	nodes map[string]*dagNode
	order []string
}

type dagNode struct {
	id       string
	edges    []string // resources this node depends on
	revEdges []string // resources that depend on this node
}

// BuildDAG builds the graph from explicit DependsOn lists and the Ref and
// Fn::GetAtt references in resource properties. References to undeclared
// resources and dependency cycles are reported as *ir.ValidationError, so a
// broken template is rejected before the stack service sees it.
func BuildDAG(tpl *ir.Template) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode, len(tpl.Resources))}
	for id := range tpl.Resources {
		dag.nodes[id] = &dagNode{id: id}
	}

	for id, res := range tpl.Resources {
		node := dag.nodes[id]
		seen := make(map[string]bool)

		targets := append([]string(nil), res.DependsOn...)
		targets = append(targets, extractRefs(res.Properties)...)
		for _, target := range targets {
			if seen[target] || isParameterRef(tpl, target) {
				continue
			}
			if _, ok := dag.nodes[target]; !ok {
				return nil, &ir.ValidationError{Field: "template", Reason: fmt.Sprintf("%s references undeclared resource %s", id, target)}
			}
			seen[target] = true
			node.edges = append(node.edges, target)
		}
	}

	for name, out := range tpl.Outputs {
		for _, target := range extractRefs(out.Value) {
			if _, ok := dag.nodes[target]; !ok && !isParameterRef(tpl, target) {
				return nil, &ir.ValidationError{Field: "template", Reason: fmt.Sprintf("output %s references undeclared resource %s", name, target)}
			}
		}
	}

	for id, node := range dag.nodes {
		for _, dep := range node.edges {
			dag.nodes[dep].revEdges = append(dag.nodes[dep].revEdges, id)
		}
	}

	order, err := dag.topoSort()
	if err != nil {
		return nil, err
	}
	dag.order = order
	return dag, nil
}

// CreationOrder returns resource ids in an order that respects
// dependencies. Ties are broken by name.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// Dependencies returns the direct dependencies of id.
func (d *DAG) Dependencies(id string) []string {
	if node, ok := d.nodes[id]; ok {
		deps := append([]string(nil), node.edges...)
		sort.Strings(deps)
		return deps
	}
	return nil
}

// topoSort runs Kahn's algorithm.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	var queue []string
	for id, node := range d.nodes {
		inDegree[id] = len(node.edges)
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var ready []string
		for _, dependent := range d.nodes[id].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(sorted) != len(d.nodes) {
		var cyclic []string
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, &ir.ValidationError{Field: "template", Reason: "dependency cycle between " + strings.Join(cyclic, ", ")}
	}
	return sorted, nil
}

func isParameterRef(tpl *ir.Template, id string) bool {
	if strings.HasPrefix(id, "AWS::") {
		return true
	}
	_, ok := tpl.Parameters[id]
	return ok
}

// extractRefs returns the logical ids named by Ref and Fn::GetAtt in v.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 1 {
			if id, ok := val["Ref"].(string); ok {
				return []string{id}
			}
			if id, ok := getAttTarget(val["Fn::GetAtt"]); ok {
				return []string{id}
			}
		}
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

func getAttTarget(v any) (string, bool) {
	switch val := v.(type) {
	case []any:
		if len(val) == 2 {
			id, ok := val[0].(string)
			return id, ok
		}
	case []string:
		if len(val) == 2 {
			return val[0], true
		}
	case string:
		id, _, ok := strings.Cut(val, ".")
		return id, ok
	}
	return "", false
}
