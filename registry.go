package ihda

import (
	"fmt"
	"sync"
)

// ProtocolID identifies the interface a published device node speaks.
type ProtocolID uint32

// ProtocolIHDA is the protocol of an Intel HDA controller node.
const ProtocolIHDA ProtocolID = 0x49484441 // 'IHDA'

// String returns the protocol as its four character code.
func (p ProtocolID) String() string {
	b := []byte{byte(p >> 24), byte(p >> 16), byte(p >> 8), byte(p)}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return fmt.Sprintf("%#08x", uint32(p))
		}
	}

	return string(b)
}

// Handle names a published node. The zero Handle is never issued.
type Handle uint64

// DeviceNode is an object that can be published to a DeviceRegistry.
type DeviceNode interface {
	Name() string
	ProtocolID() ProtocolID

	// Unbind asks the node to shut down. It is called without registry locks held.
	Unbind()
}

// DeviceRegistry is where controllers publish themselves once operating.
type DeviceRegistry interface {
	Publish(node DeviceNode) (Handle, error)
	Remove(h Handle) error
}

// Registry is an in-memory DeviceRegistry. While a node is published the
// registry keeps a reference to it.
type Registry struct {
	mu    sync.Mutex
	next  Handle
	nodes map[Handle]DeviceNode
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[Handle]DeviceNode)}
}

// Publish adds node and returns its handle. Names must be unique.
func (r *Registry) Publish(node DeviceNode) (Handle, error) {
	if node == nil {
		return 0, fmt.Errorf("nil device node: %w", ErrInvalidArgument)
	}

	name := node.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range r.nodes {
		if n.Name() == name {
			return 0, fmt.Errorf("device %q already published: %w", name, ErrBadState)
		}
	}

	r.next++
	r.nodes[r.next] = node

	return r.next, nil
}

// Lookup returns the node published under h.
func (r *Registry) Lookup(h Handle) (DeviceNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[h]

	return n, ok
}

// Find returns the handles of every node speaking protocol, in publish order.
func (r *Registry) Find(protocol ProtocolID) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hs []Handle
	for h := Handle(1); h <= r.next; h++ {
		if n, ok := r.nodes[h]; ok && n.ProtocolID() == protocol {
			hs = append(hs, h)
		}
	}

	return hs
}

// Len returns the number of published nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.nodes)
}

// Remove drops the node published under h.
func (r *Registry) Remove(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[h]; !ok {
		return fmt.Errorf("handle %d not published: %w", h, ErrInvalidArgument)
	}
	delete(r.nodes, h)

	return nil
}

// Unbind asks the node under h to shut down. Nodes normally remove
// themselves while unbinding; whatever is left is removed afterwards.
func (r *Registry) Unbind(h Handle) error {
	node, ok := r.Lookup(h)
	if !ok {
		return fmt.Errorf("handle %d not published: %w", h, ErrInvalidArgument)
	}

	node.Unbind()

	r.mu.Lock()
	delete(r.nodes, h)
	r.mu.Unlock()

	return nil
}
