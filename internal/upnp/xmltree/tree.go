// Package xmltree parses UPnP XML documents into a generic tree with
// namespace prefixes stripped from element and attribute names.
package xmltree

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Node is one element of a parsed document.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// ErrEmpty is returned when a document has no root element.
var ErrEmpty = errors.New("xml document has no root element")

// Parse decodes data into a tree rooted at the document element.
func Parse(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		root  *Node
		stack []*Node
		text  []*strings.Builder
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{Name: t.Name.Local}
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				if node.Attrs == nil {
					node.Attrs = map[string]string{}
				}
				node.Attrs[attr.Name.Local] = attr.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			} else if root == nil {
				root = node
			}
			stack = append(stack, node)
			text = append(text, &strings.Builder{})
		case xml.CharData:
			if len(text) > 0 {
				text[len(text)-1].Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			node := stack[len(stack)-1]
			node.Text = strings.TrimSpace(text[len(text)-1].String())
			stack = stack[:len(stack)-1]
			text = text[:len(text)-1]
		}
	}
	if root == nil {
		return nil, ErrEmpty
	}
	return root, nil
}

// Child returns the first direct child called name.
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, child := range n.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// ChildrenNamed returns every direct child called name in document order.
func (n *Node) ChildrenNamed(name string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, child := range n.Children {
		if child.Name == name {
			out = append(out, child)
		}
	}
	return out
}

// Path follows a chain of child names and returns the last node, or nil.
func (n *Node) Path(names ...string) *Node {
	cur := n
	for _, name := range names {
		cur = cur.Child(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// ChildText returns the text of the named child and whether it exists.
func (n *Node) ChildText(name string) (string, bool) {
	child := n.Child(name)
	if child == nil {
		return "", false
	}
	return child.Text, true
}

// Attr returns an attribute value.
func (n *Node) Attr(name string) (string, bool) {
	if n == nil || n.Attrs == nil {
		return "", false
	}
	v, ok := n.Attrs[name]
	return v, ok
}

// Map converts the node to a JSON friendly value. A bare leaf becomes its
// text; otherwise attributes appear under "@_name", text under "#text" and
// repeated children collapse into lists.
func (n *Node) Map() any {
	if n == nil {
		return nil
	}
	if len(n.Attrs) == 0 && len(n.Children) == 0 {
		return n.Text
	}
	out := make(map[string]any, len(n.Attrs)+len(n.Children)+1)
	for k, v := range n.Attrs {
		out["@_"+k] = v
	}
	if n.Text != "" {
		out["#text"] = n.Text
	}
	for _, child := range n.Children {
		val := child.Map()
		existing, ok := out[child.Name]
		if !ok {
			out[child.Name] = val
			continue
		}
		if list, isList := existing.([]any); isList {
			out[child.Name] = append(list, val)
			continue
		}
		out[child.Name] = []any{existing, val}
	}
	return out
}
