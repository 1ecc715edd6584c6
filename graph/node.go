// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/imagegrad/types/shapes"
)

// NodeType is the name of the operation performed by a node, e.g. "ResizeBilinear".
// Gradient functions are registered by NodeType.
type NodeType string

const (
	NodeTypeInvalid   NodeType = ""
	NodeTypeParameter NodeType = "Parameter"
	NodeTypeConstant  NodeType = "Const"
	NodeTypeShape     NodeType = "Shape"
	NodeTypeSlice     NodeType = "Slice"

	// NodeTypeSplit is the type of the nodes returned by Node.Outputs for a multi-output node.
	NodeTypeSplit NodeType = "SplitOutput"
)

// Node is the record of one operation in the Graph: its type, inputs, static attributes and output shapes.
// It is immutable once created.
//
// Nodes with a single output represent the value of that output, and can be used directly as inputs to
// other nodes. Multi-output nodes can't: use Node.Outputs to get one node per output.
type Node struct {
	graph    *Graph
	id       NodeId
	nodeType NodeType

	inputNodes   []*Node
	attrs        map[string]any
	outputShapes []shapes.Shape

	// splitOutputs are set for multi-output nodes only.
	splitOutputs []*Node

	// multiOutputNode and splitIndex are set for nodes of type NodeTypeSplit.
	multiOutputNode *Node
	splitIndex      int

	// constValue holds the value of NodeTypeConstant nodes.
	constValue any
}

// Type identify the operation performed by the node.
func (n *Node) Type() NodeType {
	if n == nil {
		return NodeTypeInvalid
	}
	return n.nodeType
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId { return n.id }

// Inputs are the other nodes that are direct inputs to the node.
// The returned slice must not be modified.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// NumOutputs returns the number of outputs of the node.
func (n *Node) NumOutputs() int { return len(n.outputShapes) }

// OutputShapes returns the shapes of each of the outputs of the node.
func (n *Node) OutputShapes() []shapes.Shape {
	outputShapes := make([]shapes.Shape, len(n.outputShapes))
	for ii, shape := range n.outputShapes {
		outputShapes[ii] = shape.Clone()
	}
	return outputShapes
}

// Shape of the Node's output. For multi-output nodes it returns an invalid shape: see OutputShapes.
func (n *Node) Shape() shapes.Shape {
	if n == nil || len(n.outputShapes) != 1 {
		return shapes.Invalid()
	}
	return n.outputShapes[0]
}

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType {
	return n.Shape().DType
}

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int {
	return n.Shape().Rank()
}

// Outputs returns one node per output. For a single output node, it returns itself.
func (n *Node) Outputs() []*Node {
	if len(n.splitOutputs) == 0 {
		return []*Node{n}
	}
	return slices.Clone(n.splitOutputs)
}

// MultiOutputNode returns the node whose output this split node represents, and the index of the output.
// It returns (nil, 0) if n is not a split output.
func (n *Node) MultiOutputNode() (*Node, int) {
	return n.multiOutputNode, n.splitIndex
}

// ConstValue returns the Go value of a constant node. It panics if the node is not a constant.
func (n *Node) ConstValue() any {
	n.AssertValid()
	if n.nodeType != NodeTypeConstant {
		exceptions.Panicf("ConstValue() called on non-constant node %s", n)
	}
	return n.constValue
}

// AssertValid panics if n is nil, or if it was not created and registered by a Graph.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.graph == nil || n.nodeType == NodeTypeInvalid {
		exceptions.Panicf("Node in an invalid state")
	}
	if n.id == InvalidNodeId {
		exceptions.Panicf("Node %s was not registered in its graph", n.nodeType)
	}
}

// HasAttr returns whether the node has the attribute with the given name.
func (n *Node) HasAttr(name string) bool {
	_, found := n.attrs[name]
	return found
}

// AttrNames returns the sorted list of attributes names of the node.
func (n *Node) AttrNames() []string {
	return slices.Sorted(maps.Keys(n.attrs))
}

// Attr returns the value of the attribute with the given name.
// It panics if the node has no such attribute.
func (n *Node) Attr(name string) any {
	value, found := n.attrs[name]
	if !found {
		exceptions.Panicf("node %s has no attribute %q", n, name)
	}
	return value
}

func attrAs[T any](n *Node, name string) T {
	value := n.Attr(name)
	typed, ok := value.(T)
	if !ok {
		var zero T
		exceptions.Panicf("node %s attribute %q is a %T, not a %T", n, name, value, zero)
	}
	return typed
}

// AttrBool returns the boolean attribute with the given name. It panics if missing or of a different type.
func (n *Node) AttrBool(name string) bool { return attrAs[bool](n, name) }

// AttrInt returns the int attribute with the given name. It panics if missing or of a different type.
func (n *Node) AttrInt(name string) int { return attrAs[int](n, name) }

// AttrFloat returns the float32 attribute with the given name. It panics if missing or of a different type.
func (n *Node) AttrFloat(name string) float32 { return attrAs[float32](n, name) }

// AttrString returns the string attribute with the given name. It panics if missing or of a different type.
func (n *Node) AttrString(name string) string { return attrAs[string](n, name) }

// AttrDType returns the dtypes.DType attribute with the given name. It panics if missing or of a different type.
func (n *Node) AttrDType(name string) dtypes.DType { return attrAs[dtypes.DType](n, name) }

// String implements the `fmt.Stringer` interface.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	if n.graph == nil {
		return "Node(invalid)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s(", n.id, n.nodeType)
	if n.multiOutputNode != nil {
		fmt.Fprintf(&sb, "#%d[%d]", n.multiOutputNode.id, n.splitIndex)
	} else {
		for ii, input := range n.inputNodes {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "#%d", input.id)
		}
	}
	for _, name := range n.AttrNames() {
		fmt.Fprintf(&sb, ", %s=%v", name, n.attrs[name])
	}
	sb.WriteString(") -> ")
	if len(n.outputShapes) == 1 {
		sb.WriteString(n.outputShapes[0].String())
	} else {
		parts := make([]string, len(n.outputShapes))
		for ii, shape := range n.outputShapes {
			parts[ii] = shape.String()
		}
		fmt.Fprintf(&sb, "(%s)", strings.Join(parts, ", "))
	}
	return sb.String()
}

// NodeBuilder is created with NewNode, configured with its inputs, attributes and output shapes, and then
// added to the graph with Done.
type NodeBuilder struct {
	g            *Graph
	nodeType     NodeType
	inputs       []*Node
	attrs        map[string]any
	outputShapes []shapes.Shape
	constValue   any
}

// NewNode starts the creation of a node of the given type in the Graph g.
//
// Example:
//
//	grad := NewNode(g, "ResizeBilinearGrad").
//		Inputs(v, image).
//		Attr("align_corners", false).
//		Output(image.Shape()).
//		Done()
func NewNode(g *Graph, nodeType NodeType) *NodeBuilder {
	g.AssertValid()
	if nodeType == NodeTypeInvalid {
		exceptions.Panicf("NewNode() requires a node type")
	}
	return &NodeBuilder{g: g, nodeType: nodeType, attrs: make(map[string]any)}
}

// Inputs appends the given nodes to the inputs of the node being built.
func (b *NodeBuilder) Inputs(inputs ...*Node) *NodeBuilder {
	b.inputs = append(b.inputs, inputs...)
	return b
}

// Attr sets a static attribute of the node being built.
func (b *NodeBuilder) Attr(name string, value any) *NodeBuilder {
	b.attrs[name] = value
	return b
}

// Output appends an output shape of the node being built. Call it more than once for multi-output nodes.
func (b *NodeBuilder) Output(shape shapes.Shape) *NodeBuilder {
	b.outputShapes = append(b.outputShapes, shape.Clone())
	return b
}

// Done validates and adds the node to the graph, and returns it.
func (b *NodeBuilder) Done() *Node {
	if len(b.outputShapes) == 0 {
		exceptions.Panicf("%s node created without outputs", b.nodeType)
	}
	for ii, shape := range b.outputShapes {
		if !shape.Ok() {
			exceptions.Panicf("%s node output #%d has invalid shape %s", b.nodeType, ii, shape)
		}
	}
	for ii, input := range b.inputs {
		input.AssertValid()
		if input.graph != b.g {
			exceptions.Panicf("%s node input #%d (%s) is from a different graph", b.nodeType, ii, input)
		}
		if input.NumOutputs() != 1 {
			exceptions.Panicf("%s node input #%d (%s) is a multi-output node, use one of its Outputs() instead",
				b.nodeType, ii, input)
		}
	}
	n := &Node{
		graph:        b.g,
		id:           InvalidNodeId,
		nodeType:     b.nodeType,
		inputNodes:   slices.Clone(b.inputs),
		attrs:        maps.Clone(b.attrs),
		outputShapes: b.outputShapes,
		constValue:   b.constValue,
	}
	if len(n.outputShapes) > 1 {
		n.splitOutputs = make([]*Node, len(n.outputShapes))
		for ii, shape := range n.outputShapes {
			n.splitOutputs[ii] = &Node{
				graph:           b.g,
				id:              InvalidNodeId,
				nodeType:        NodeTypeSplit,
				inputNodes:      []*Node{n},
				outputShapes:    []shapes.Shape{shape},
				multiOutputNode: n,
				splitIndex:      ii,
			}
		}
	}
	b.g.registerNode(n)
	return n
}
