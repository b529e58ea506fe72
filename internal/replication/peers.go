package replication

import (
	"sync"
	"time"

	"github.com/cuemby/solidb/pkg/metrics"
)

// PeerState tracks one peer's replication progress. Sequence fields
// follow the protocol's asymmetry: sent/acked count OUR sequences going
// to them, received counts THEIR sequences coming to us.
type PeerState struct {
	Address              string
	NodeID               string
	LastSeen             time.Time
	LastSequenceSent     uint64
	LastSequenceAcked    uint64
	LastSequenceReceived uint64
	IsConnected          bool
	Configured           bool
}

type peerEntry struct {
	PeerState
	// connID pins ack bookkeeping to one live connection. Acks carry the
	// connection they arrived on, never a node_id or address match, so a
	// reconnecting peer can never advance another peer's cursor.
	connID uint64
}

// Peers is the peer-state table behind its own RW lock.
type Peers struct {
	mu         sync.RWMutex
	byAddr     map[string]*peerEntry
	nextConnID uint64
}

// NewPeers seeds the table with the statically configured addresses,
// which are retried forever, unlike discovered peers.
func NewPeers(configured []string) *Peers {
	p := &Peers{byAddr: map[string]*peerEntry{}}
	for _, addr := range configured {
		p.byAddr[addr] = &peerEntry{PeerState: PeerState{Address: addr, LastSeen: time.Now(), Configured: true}}
	}
	return p
}

// Add registers addr if unknown, reporting whether it was added.
func (p *Peers) Add(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byAddr[addr]; ok {
		return false
	}
	p.byAddr[addr] = &peerEntry{PeerState: PeerState{Address: addr, LastSeen: time.Now()}}
	return true
}

// Remove drops addr from the table.
func (p *Peers) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byAddr, addr)
}

// BindConn assigns a fresh connection identity to addr's current
// connection and marks it connected. The returned id is what ack
// bookkeeping is keyed by.
func (p *Peers) BindConn(addr string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byAddr[addr]
	if !ok {
		e = &peerEntry{PeerState: PeerState{Address: addr}}
		p.byAddr[addr] = e
	}
	p.nextConnID++
	e.connID = p.nextConnID
	e.IsConnected = true
	e.LastSeen = time.Now()
	p.updateConnectedGauge()
	return e.connID
}

// SetConnected flips addr's connection flag; disconnecting clears the
// bound connection identity.
func (p *Peers) SetConnected(addr string, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byAddr[addr]; ok {
		e.IsConnected = connected
		if !connected {
			e.connID = 0
		} else {
			e.LastSeen = time.Now()
		}
	}
	p.updateConnectedGauge()
}

func (p *Peers) updateConnectedGauge() {
	n := 0
	for _, e := range p.byAddr {
		if e.IsConnected {
			n++
		}
	}
	metrics.PeersConnected.Set(float64(n))
}

// LearnNodeID records the node id learned from a Ping/Pong.
func (p *Peers) LearnNodeID(addr, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byAddr[addr]; ok {
		e.NodeID = nodeID
		e.LastSeen = time.Now()
	}
}

// UpdateSent advances addr's sent cursor.
func (p *Peers) UpdateSent(addr string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byAddr[addr]; ok && seq > e.LastSequenceSent {
		e.LastSequenceSent = seq
	}
}

// UpdateReceived advances addr's received cursor.
func (p *Peers) UpdateReceived(addr string, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byAddr[addr]; ok {
		if seq > e.LastSequenceReceived {
			e.LastSequenceReceived = seq
		}
		e.LastSeen = time.Now()
	}
}

// UpdateAcked advances the ack cursor of the peer whose LIVE connection
// is connID. Keying strictly by connection identity (not node_id or
// address) means an ack can never credit a different peer after a
// reconnect shuffles identities.
func (p *Peers) UpdateAcked(connID uint64, seq uint64) bool {
	if connID == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.byAddr {
		if e.connID == connID {
			if seq > e.LastSequenceAcked {
				e.LastSequenceAcked = seq
			}
			e.LastSeen = time.Now()
			return true
		}
	}
	return false
}

// LastReceived returns addr's received cursor.
func (p *Peers) LastReceived(addr string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.byAddr[addr]; ok {
		return e.LastSequenceReceived
	}
	return 0
}

// LastSent returns addr's sent cursor.
func (p *Peers) LastSent(addr string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.byAddr[addr]; ok {
		return e.LastSequenceSent
	}
	return 0
}

// IsConfigured reports whether addr came from static configuration.
func (p *Peers) IsConfigured(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byAddr[addr]
	return ok && e.Configured
}

// Known reports whether addr is in the table.
func (p *Peers) Known(addr string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byAddr[addr]
	return ok
}

// ConnectedAddresses returns the addresses of currently connected
// peers, for discovery gossip.
func (p *Peers) ConnectedAddresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, e := range p.byAddr {
		if e.IsConnected {
			out = append(out, e.Address)
		}
	}
	return out
}

// Addresses returns every known peer address.
func (p *Peers) Addresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byAddr))
	for addr := range p.byAddr {
		out = append(out, addr)
	}
	return out
}

// Snapshot returns a copy of every peer's state, for status reporting.
func (p *Peers) Snapshot() []PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PeerState, 0, len(p.byAddr))
	for _, e := range p.byAddr {
		out = append(out, e.PeerState)
	}
	return out
}

// HealthyAddresses returns peers seen within window, the healer's
// working definition of "alive".
func (p *Peers) HealthyAddresses(window time.Duration) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	now := time.Now()
	for _, e := range p.byAddr {
		if e.IsConnected && now.Sub(e.LastSeen) < window {
			out = append(out, e.Address)
		}
	}
	return out
}
