// Package peer tracks the identity and lifecycle of accepted
// connections. The registry is the one structure shared between
// reactor workers and application handlers, so all access is
// serialized.
package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"asynchttp/reactor"
)

// ID uniquely identifies one accepted connection for the process
// lifetime. IDs are never reused.
type ID uint64

// ErrNotFound is returned for identifiers that were never registered
// or have already been retired.
var ErrNotFound = errors.New("peer not found")

// Peer is one accepted inbound connection. It stores a
// generation-checked connection handle rather than a live reference,
// so holding a Peer past teardown can never dangle.
type Peer struct {
	id     ID
	addr   string
	handle reactor.Handle

	mu   sync.Mutex
	data any
}

func (p *Peer) ID() ID                 { return p.id }
func (p *Peer) Addr() string           { return p.addr }
func (p *Peer) Handle() reactor.Handle { return p.handle }

// SetData attaches opaque application state to the peer.
func (p *Peer) SetData(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = v
}

func (p *Peer) Data() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer(%d, %s)", p.id, p.addr)
}

// Registry maps peer identifiers to peers. An entry exists from
// Register until exactly one Remove, performed by the owning reactor
// worker during disconnect notification.
type Registry struct {
	mu     sync.Mutex
	peers  map[ID]*Peer
	nextID atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[ID]*Peer)}
}

// Register creates a peer for a connection and makes it visible to
// lookups. The returned peer carries a fresh, never-reused ID.
func (r *Registry) Register(addr string, handle reactor.Handle) *Peer {
	p := &Peer{
		id:     ID(r.nextID.Add(1)),
		addr:   addr,
		handle: handle,
	}

	r.mu.Lock()
	r.peers[p.id] = p
	r.mu.Unlock()

	return p
}

// Lookup finds a live peer. After removal it fails with ErrNotFound.
func (r *Registry) Lookup(id ID) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	return p, nil
}

// Remove retires an identifier. Removing twice fails with ErrNotFound.
func (r *Registry) Remove(id ID) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	delete(r.peers, id)
	return p, nil
}

// Len reports the number of live peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
