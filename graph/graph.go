// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the symbolic computation graph that gradient functions operate on.
//
// The main elements in the package are:
//
//   - Graph: a container of nodes, built incrementally. Nodes are only ever appended, and once created
//     they never change.
//
//   - Node: the record of one operation ("op" for short): its type (the operator name, e.g. "ResizeBilinear"),
//     its input nodes, its static attributes (fixed at graph building time) and the shapes of its outputs.
//     Output shapes may be only partially known (see shapes.UnknownDim).
//
// Ops that produce more than one output (e.g. RoiPooling produces the pooled values and the argmax) are
// represented by one multi-output node, whose individual outputs are accessed with Node.Outputs.
//
// Besides the forward image ops (ResizeBilinear, CropAndResize, RoiPooling, ...), this package also provides the
// gradient kernel ops (ResizeBilinearGrad, CropAndResizeGradBoxes, ...). Building a kernel op only records the
// kernel invocation as a new node, with its inferred output shape: the numeric work is done by whatever
// backend executes the graph.
//
// ## Error Handling
//
// Graph building errors are bugs in the code that built the graph, so like in the rest of GoMLX they are
// reported with a panic (see github.com/gomlx/exceptions), carrying a stack trace. Use
// exceptions.TryCatch[error] to convert them back to errors where needed.
//
// Graph is safe for concurrent use: nodes can be added from different goroutines, as gradient functions for
// independent branches of the graph may be run in parallel.
package graph

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
)

// Graph with the operations and dependencies of a computation.
type Graph struct {
	name string

	mu    sync.RWMutex
	nodes []*Node

	parameterNameToNode map[string]*Node
}

// NodeId is a unique NodeId within a Graph.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// NewGraph returns an empty Graph. If name is empty, a unique name is generated.
func NewGraph(name string) *Graph {
	if name == "" {
		name = fmt.Sprintf("graph_%s", uuid.NewString())
	}
	return &Graph{
		name:                name,
		parameterNameToNode: make(map[string]*Node),
	}
}

// Name of the Graph, set during its construction.
func (g *Graph) Name() string { return g.name }

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%q, %d nodes)", g.name, g.NumNodes())
}

// AssertValid panics if g is nil.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
}

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Nodes returns a copy of the list of nodes of the Graph, in order of creation.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make([]*Node, len(g.nodes))
	copy(nodes, g.nodes)
	return nodes
}

// NodeById returns the node with the given id. It panics for an invalid id.
func (g *Graph) NodeById(id NodeId) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
	}
	return g.nodes[id]
}

// ParameterByName returns the parameter node with the given name, or nil if it doesn't exist.
func (g *Graph) ParameterByName(name string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.parameterNameToNode[name]
}

// registerNode in the graph, setting its unique id within the Graph.
// The split outputs of multi-output nodes are registered right after their node.
func (g *Graph) registerNode(node *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node.nodeType == NodeTypeParameter {
		name := node.attrs[AttrName].(string)
		if _, found := g.parameterNameToNode[name]; found {
			exceptions.Panicf("Parameter(%q) already exists in graph %q", name, g.name)
		}
		g.parameterNameToNode[name] = node
	}
	node.id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	for _, output := range node.splitOutputs {
		output.id = NodeId(len(g.nodes))
		g.nodes = append(g.nodes, output)
	}
}
