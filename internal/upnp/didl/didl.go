// Package didl decodes DIDL-Lite documents returned by ContentDirectory.
package didl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mikey-austin/mucp/internal/upnp/xmltree"
)

// Kinds of DIDL objects.
const (
	KindContainer = "container"
	KindItem      = "item"
)

// ErrUnknownResource is returned when an object exposes no playable URI.
var ErrUnknownResource = errors.New("unable to understand resource")

// Entry is one container or item.
type Entry struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId"`
	Title     string         `json:"title"`
	Class     string         `json:"class,omitempty"`
	Resources []Resource     `json:"resources,omitempty"`
	Object    map[string]any `json:"object"`
}

// Resource is a playable res element.
type Resource struct {
	URI          string            `json:"uri"`
	ProtocolInfo string            `json:"protocolInfo,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// Mime returns the content format field of protocolInfo.
func (r Resource) Mime() string {
	parts := strings.Split(r.ProtocolInfo, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// Parse decodes a DIDL-Lite document. Containers come before items, each in
// document order.
func Parse(doc string) ([]Entry, error) {
	if strings.TrimSpace(doc) == "" {
		return []Entry{}, nil
	}
	root, err := xmltree.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("didl: %w", err)
	}
	containers := root.ChildrenNamed(KindContainer)
	items := root.ChildrenNamed(KindItem)
	out := make([]Entry, 0, len(containers)+len(items))
	for _, node := range containers {
		out = append(out, entryFromNode(KindContainer, node))
	}
	for _, node := range items {
		out = append(out, entryFromNode(KindItem, node))
	}
	return out, nil
}

// ParseResult parses the text of a Result element. The envelope decoder has
// already resolved the escaping that carried the document, so the text is
// parsed as is.
func ParseResult(result string) ([]Entry, error) {
	return Parse(result)
}

func entryFromNode(kind string, node *xmltree.Node) Entry {
	obj, _ := node.Map().(map[string]any)
	if obj == nil {
		obj = map[string]any{}
	}
	id, _ := node.Attr("id")
	parent, _ := node.Attr("parentID")
	title, _ := node.ChildText("title")
	class, _ := node.ChildText("class")
	return Entry{
		Kind:      kind,
		ID:        id,
		ParentID:  parent,
		Title:     title,
		Class:     class,
		Resources: Resources(obj),
		Object:    obj,
	}
}

// Resources reads the res field of an object in its Map form. The field may
// be absent, a bare string, a single object or a list.
func Resources(object map[string]any) []Resource {
	switch v := object["res"].(type) {
	case nil:
		return nil
	case []any:
		out := make([]Resource, 0, len(v))
		for _, item := range v {
			if res, ok := resourceFrom(item); ok {
				out = append(out, res)
			}
		}
		return out
	default:
		if res, ok := resourceFrom(v); ok {
			return []Resource{res}
		}
		return nil
	}
}

func resourceFrom(v any) (Resource, bool) {
	switch r := v.(type) {
	case string:
		return Resource{URI: r}, true
	case map[string]any:
		res := Resource{}
		if text, ok := r["#text"].(string); ok {
			res.URI = text
		}
		for k, val := range r {
			s, ok := val.(string)
			if !ok || !strings.HasPrefix(k, "@_") {
				continue
			}
			name := strings.TrimPrefix(k, "@_")
			if name == "protocolInfo" {
				res.ProtocolInfo = s
			}
			if res.Attrs == nil {
				res.Attrs = map[string]string{}
			}
			res.Attrs[name] = s
		}
		return res, true
	default:
		return Resource{}, false
	}
}
