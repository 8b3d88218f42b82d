// Package dom watches DOM subtree changes that follow an interaction and
// reports the nodes whose own network load has to finish before the
// interaction can be considered done.
package dom

import (
	"strings"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// NodeID identifies an element for the lifetime of a document.
type NodeID string

// Node is an element and its subtree.
type Node struct {
	ID    NodeID            `json:"id"`
	Tag   string            `json:"tag"`
	Attrs map[string]string `json:"attrs,omitempty"`
	// Complete is true once the element's own resource has loaded or failed.
	Complete bool    `json:"complete,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// Attr returns the named attribute, or "".
func (n *Node) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Walk visits n and its descendants depth first.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{ID: n.ID, Tag: n.Tag, Complete: n.Complete}
	if n.Attrs != nil {
		out.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, c.Clone())
	}
	return out
}

// Descriptor is an interesting node found by Classify.
type Descriptor struct {
	Node      NodeID
	URL       string
	Initiator resource.Initiator
}

// Classify returns every element in n's subtree whose resource has not yet
// completed. It does not mutate anything.
func Classify(n *Node) []Descriptor {
	var out []Descriptor
	n.Walk(func(x *Node) {
		if d, ok := classifyNode(x); ok {
			out = append(out, d)
		}
	})
	return out
}

// classifyNode looks at x alone, ignoring its children.
func classifyNode(x *Node) (Descriptor, bool) {
	if x == nil || x.Complete {
		return Descriptor{}, false
	}
	url, init := resourceURL(x)
	if init == "" || !fetchable(url) {
		return Descriptor{}, false
	}
	return Descriptor{Node: x.ID, URL: url, Initiator: init}, true
}

// resourceURL returns the URL a node loads and the initiator it counts as.
func resourceURL(x *Node) (string, resource.Initiator) {
	switch strings.ToLower(x.Tag) {
	case "img":
		return x.Attr("src"), resource.Img
	case "iframe":
		return x.Attr("src"), resource.IFrame
	case "frame":
		return x.Attr("src"), resource.Frame
	case "script":
		return x.Attr("src"), resource.Script
	case "link":
		if isStylesheet(x.Attr("rel")) {
			return x.Attr("href"), resource.Link
		}
	}
	return "", ""
}

func isStylesheet(rel string) bool {
	for _, f := range strings.Fields(strings.ToLower(rel)) {
		if f == "stylesheet" {
			return true
		}
	}
	return false
}

// fetchable rejects URLs that never hit the network.
func fetchable(url string) bool {
	u := strings.ToLower(strings.TrimSpace(url))
	switch {
	case u == "", u == "about:blank":
		return false
	case strings.HasPrefix(u, "data:"), strings.HasPrefix(u, "javascript:"):
		return false
	}
	return true
}
