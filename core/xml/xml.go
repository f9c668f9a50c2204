// Package xml wraps xmlquery with the small set of tree operations the score
// model needs: XPath selection, child lookup, in-place retagging, detaching
// subtrees, and serialisation back to UTF-8 with an XML declaration.
//
// Security Notes:
//   - xmlquery parses through Go's encoding/xml, which never fetches external
//     entities, so XXE payloads inside an archive member are inert.
package xml

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Declaration is written ahead of documents that were parsed without one.
const Declaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Document represents a parsed XML document.
type Document struct {
	root *xmlquery.Node
}

// Node represents an XML element.
type Node struct {
	node *xmlquery.Node
}

// Parse parses XML data and returns a Document.
func Parse(data []byte) (*Document, error) {
	return ParseReader(bytes.NewReader(data))
}

// ParseReader parses an XML stream and returns a Document.
func ParseReader(r io.Reader) (*Document, error) {
	root, err := xmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing XML: %w", err)
	}
	return &Document{root: root}, nil
}

// Root returns the root element of the document.
func (d *Document) Root() *Node {
	if d.root == nil {
		return nil
	}
	for child := d.root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return &Node{node: child}
		}
	}
	return nil
}

// XPath executes an XPath query and returns matching element nodes in
// document order.
func (d *Document) XPath(expr string) ([]*Node, error) {
	return queryAll(d.root, expr)
}

// Elements returns every element in the document whose name is name, in
// depth-first document order.
func (d *Document) Elements(name string) []*Node {
	var out []*Node
	walk(d.root, func(n *xmlquery.Node) {
		if n.Type == xmlquery.ElementNode && n.Data == name {
			out = append(out, &Node{node: n})
		}
	})
	return out
}

// Serialize converts the document back to XML bytes. Whitespace is kept as
// parsed and a declaration is prepended when the source had none.
func (d *Document) Serialize() []byte {
	if d.root == nil {
		return nil
	}
	var buf bytes.Buffer
	if !d.hasDeclaration() {
		buf.WriteString(Declaration)
	}
	buf.WriteString(d.root.OutputXMLWithOptions(
		xmlquery.WithOutputSelf(),
		xmlquery.WithPreserveSpace(),
		xmlquery.WithEmptyTagSupport(),
	))
	return buf.Bytes()
}

func (d *Document) hasDeclaration() bool {
	for child := d.root.FirstChild; child != nil; child = child.NextSibling {
		switch child.Type {
		case xmlquery.DeclarationNode:
			return true
		case xmlquery.ElementNode:
			return false
		}
	}
	return false
}

// Name returns the element name.
func (n *Node) Name() string {
	if n == nil || n.node == nil {
		return ""
	}
	return n.node.Data
}

// SetName retags the element in place. Children and attributes are kept.
func (n *Node) SetName(name string) {
	if n == nil || n.node == nil {
		return
	}
	n.node.Data = name
}

// Text returns the text content of the node and its descendants.
func (n *Node) Text() string {
	if n == nil || n.node == nil {
		return ""
	}
	return n.node.InnerText()
}

// Attr returns the value of a specific attribute.
func (n *Node) Attr(name string) string {
	if n == nil || n.node == nil {
		return ""
	}
	return n.node.SelectAttr(name)
}

// HasAttr reports whether the attribute is present, even if empty.
func (n *Node) HasAttr(name string) bool {
	if n == nil || n.node == nil {
		return false
	}
	for _, attr := range n.node.Attr {
		if attr.Name.Local == name {
			return true
		}
	}
	return false
}

// Parent returns the parent element, or nil at the document root.
func (n *Node) Parent() *Node {
	if n == nil || n.node == nil || n.node.Parent == nil || n.node.Parent.Type != xmlquery.ElementNode {
		return nil
	}
	return &Node{node: n.node.Parent}
}

// Child returns the first direct child element called name, or nil.
func (n *Node) Child(name string) *Node {
	if n == nil || n.node == nil {
		return nil
	}
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == name {
			return &Node{node: child}
		}
	}
	return nil
}

// ChildrenNamed returns every direct child element called name.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil || n.node == nil {
		return nil
	}
	var out []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == name {
			out = append(out, &Node{node: child})
		}
	}
	return out
}

// Children returns the child element nodes.
func (n *Node) Children() []*Node {
	if n == nil || n.node == nil {
		return nil
	}
	var children []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			children = append(children, &Node{node: child})
		}
	}
	return children
}

// XPath evaluates expr relative to this node.
func (n *Node) XPath(expr string) ([]*Node, error) {
	if n == nil || n.node == nil {
		return nil, nil
	}
	return queryAll(n.node, expr)
}

// Descendants returns every element below n, depth-first, for which keep
// returns true.
func (n *Node) Descendants(keep func(*Node) bool) []*Node {
	if n == nil || n.node == nil {
		return nil
	}
	var out []*Node
	for child := n.node.FirstChild; child != nil; child = child.NextSibling {
		walk(child, func(x *xmlquery.Node) {
			if x.Type != xmlquery.ElementNode {
				return
			}
			cand := &Node{node: x}
			if keep(cand) {
				out = append(out, cand)
			}
		})
	}
	return out
}

// Remove detaches the node and its subtree from the document.
func (n *Node) Remove() {
	if n == nil || n.node == nil || n.node.Parent == nil {
		return
	}
	xmlquery.RemoveFromTree(n.node)
}

// Same reports whether both wrappers refer to the same underlying element.
func (n *Node) Same(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.node == other.node
}

// OuterXML renders the element including its own tag.
func (n *Node) OuterXML() string {
	if n == nil || n.node == nil {
		return ""
	}
	return n.node.OutputXMLWithOptions(xmlquery.WithOutputSelf(), xmlquery.WithPreserveSpace())
}

// String returns a short description for logs.
func (n *Node) String() string {
	if n == nil || n.node == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(n.node.Data)
	for _, attr := range n.node.Attr {
		fmt.Fprintf(&b, " %s=%q", attr.Name.Local, attr.Value)
	}
	b.WriteString(">")
	return b.String()
}

func queryAll(top *xmlquery.Node, expr string) ([]*Node, error) {
	if _, err := xpath.Compile(expr); err != nil {
		return nil, fmt.Errorf("invalid xpath: %w", err)
	}
	nodes, err := xmlquery.QueryAll(top, expr)
	if err != nil {
		return nil, fmt.Errorf("xpath query failed: %w", err)
	}
	result := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Type == xmlquery.ElementNode {
			result = append(result, &Node{node: n})
		}
	}
	return result, nil
}

func walk(n *xmlquery.Node, fn func(*xmlquery.Node)) {
	if n == nil {
		return
	}
	fn(n)
	for child := n.FirstChild; child != nil; {
		// fn may detach child, so advance first.
		next := child.NextSibling
		walk(child, fn)
		child = next
	}
}
