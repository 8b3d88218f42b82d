package dom

import (
	"fmt"
	"sync"

	"github.com/PratikDhanave/rum-correlator/internal/resource"
)

// Document mirrors a browser document from reported changes. It serves as
// Observer, NodeEvents and Poller for a Watcher.
type Document struct {
	mu        sync.Mutex
	root      *Node
	nodes     map[NodeID]*Node
	parents   map[NodeID]NodeID
	observers map[int]func([]Mutation)
	listeners map[NodeID]map[int]func(resource.Status)
	nextID    int
	// noObserver makes Observe fail, as in browsers without MutationObserver.
	noObserver bool
}

var (
	_ Observer   = (*Document)(nil)
	_ NodeEvents = (*Document)(nil)
	_ Poller     = (*Document)(nil)
)

// NewDocument returns a document holding an empty <html> element.
func NewDocument() *Document {
	root := emptyRoot()
	return &Document{
		root:      root,
		nodes:     map[NodeID]*Node{root.ID: root},
		parents:   map[NodeID]NodeID{},
		observers: map[int]func([]Mutation){},
		listeners: map[NodeID]map[int]func(resource.Status){},
	}
}

func emptyRoot() *Node { return &Node{ID: "html", Tag: "html"} }

// Reset replaces the whole tree, as a full navigation does. Listeners on
// the old nodes are dropped; observers stay. A nil root gets an empty
// <html> element. A tree with a missing or repeated node id is rejected and
// the current tree is kept.
func (d *Document) Reset(root *Node) error {
	if root == nil {
		root = emptyRoot()
	}
	nodes := map[NodeID]*Node{}
	parents := map[NodeID]NodeID{}
	if err := collect(root, "", nodes, parents); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = root
	d.nodes = nodes
	d.parents = parents
	d.listeners = map[NodeID]map[int]func(resource.Status){}
	return nil
}

// DisableObserver makes Observe return ErrObserverUnavailable.
func (d *Document) DisableObserver() {
	d.mu.Lock()
	d.noObserver = true
	d.mu.Unlock()
}

// Root returns a copy of the whole tree.
func (d *Document) Root() *Node { return d.Snapshot() }

// Snapshot implements Poller.
func (d *Document) Snapshot() *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root.Clone()
}

// Observe implements Observer.
func (d *Document) Observe(fn func([]Mutation)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noObserver {
		return nil, ErrObserverUnavailable
	}
	d.nextID++
	id := d.nextID
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}, nil
}

// Subscribe implements NodeEvents.
func (d *Document) Subscribe(node NodeID, fn func(resource.Status)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.listeners[node] == nil {
		d.listeners[node] = map[int]func(resource.Status){}
	}
	d.listeners[node][id] = fn
	return func() {
		d.mu.Lock()
		delete(d.listeners[node], id)
		if len(d.listeners[node]) == 0 {
			delete(d.listeners, node)
		}
		d.mu.Unlock()
	}
}

// Insert appends n under parent (the root when parent is empty). Inserting
// a node that already exists moves it; a node cannot move under itself or
// one of its descendants. A new subtree must not reuse an id already in the
// document.
func (d *Document) Insert(parent NodeID, n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("dom: node without id")
	}
	d.mu.Lock()
	p := d.root
	if parent != "" {
		var ok bool
		if p, ok = d.nodes[parent]; !ok {
			d.mu.Unlock()
			return fmt.Errorf("dom: unknown parent %q", parent)
		}
	}
	if existing, ok := d.nodes[n.ID]; ok {
		if existing == d.root || d.within(p.ID, existing.ID) {
			d.mu.Unlock()
			return fmt.Errorf("dom: cannot move %q under %q", n.ID, p.ID)
		}
		d.detach(existing)
		n = existing
		p.Children = append(p.Children, n)
		d.parents[n.ID] = p.ID
	} else {
		nodes := map[NodeID]*Node{}
		parents := map[NodeID]NodeID{}
		if err := collect(n, p.ID, nodes, parents); err != nil {
			d.mu.Unlock()
			return err
		}
		for id := range nodes {
			if _, dup := d.nodes[id]; dup {
				d.mu.Unlock()
				return fmt.Errorf("dom: node %q already in document", id)
			}
		}
		p.Children = append(p.Children, n)
		for id, x := range nodes {
			d.nodes[id] = x
		}
		for id, pid := range parents {
			d.parents[id] = pid
		}
	}
	obs := d.observerFns()
	d.mu.Unlock()

	notify(obs, []Mutation{{Added: []*Node{n}}})
	return nil
}

// Remove detaches a node and its subtree.
func (d *Document) Remove(id NodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		d.detach(n)
		n.Walk(func(x *Node) {
			delete(d.nodes, x.ID)
			delete(d.parents, x.ID)
		})
	}
}

// SetAttr changes an attribute. Changing the resource URL of a node makes
// it load again.
func (d *Document) SetAttr(id NodeID, name, value string) error {
	d.mu.Lock()
	n, ok := d.nodes[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dom: unknown node %q", id)
	}
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	if n.Attrs[name] == value {
		d.mu.Unlock()
		return nil
	}
	n.Attrs[name] = value
	if name == "src" || name == "href" {
		n.Complete = false
	}
	obs := d.observerFns()
	d.mu.Unlock()

	notify(obs, []Mutation{{Target: n, Attribute: name}})
	return nil
}

// Fire marks a node's load as finished and delivers the event.
func (d *Document) Fire(id NodeID, st resource.Status) {
	d.mu.Lock()
	if n, ok := d.nodes[id]; ok {
		n.Complete = true
	}
	fns := make([]func(resource.Status), 0, len(d.listeners[id]))
	for _, fn := range d.listeners[id] {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Node returns the live node with the given id.
func (d *Document) Node(id NodeID) (*Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	return n, ok
}

// within reports whether id is anc or sits below it.
func (d *Document) within(id, anc NodeID) bool {
	for {
		if id == anc {
			return true
		}
		pid, ok := d.parents[id]
		if !ok {
			return false
		}
		id = pid
	}
}

// collect indexes a detached subtree into nodes and parents. Repeated ids
// are rejected, which also stops a subtree that contains itself.
func collect(n *Node, parent NodeID, nodes map[NodeID]*Node, parents map[NodeID]NodeID) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("dom: node without id")
	}
	if _, dup := nodes[n.ID]; dup {
		return fmt.Errorf("dom: duplicate node id %q", n.ID)
	}
	nodes[n.ID] = n
	if parent != "" {
		parents[n.ID] = parent
	}
	for _, c := range n.Children {
		if err := collect(c, n.ID, nodes, parents); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) detach(n *Node) {
	pid, ok := d.parents[n.ID]
	if !ok {
		return
	}
	p := d.nodes[pid]
	if p == nil {
		return
	}
	for i, c := range p.Children {
		if c == n {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	delete(d.parents, n.ID)
}

func (d *Document) observerFns() []func([]Mutation) {
	out := make([]func([]Mutation), 0, len(d.observers))
	for _, fn := range d.observers {
		out = append(out, fn)
	}
	return out
}

func notify(obs []func([]Mutation), muts []Mutation) {
	for _, fn := range obs {
		fn(muts)
	}
}
