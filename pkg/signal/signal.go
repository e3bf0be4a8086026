// Package signal is the session-coordination core of a federated SFU
// node: it tracks rooms, peers, transports, producers and consumers,
// sequences the join/produce/consume handshake, and gates room
// admission against the configured capacity limit.
package signal

import (
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/log"
)

// Config for the coordinator.
type Config struct {
	// Namespace identifies this instance in the federation. Connections
	// arriving on any other namespace are consume-only mirrors.
	Namespace  string                   `mapstructure:"namespace"`
	Federation FederationConfig         `mapstructure:"federation"`
	Codecs     []engine.CodecCapability `mapstructure:"codecs"`
}

// Coordinator owns the shared registries and the capacity controller.
// All state is process-memory-resident and lost on restart.
type Coordinator struct {
	engine engine.Engine
	codecs []engine.CodecCapability
	fed    *federation

	namespace string
	tables    *tables
	// fanout is a single ordered worker for server-push events, so
	// notification delivery never blocks a protocol handler and events
	// are observed in causal order.
	fanout *workerpool.WorkerPool

	mu    sync.RWMutex
	rooms map[string]*Room
	peers map[string]*Peer

	closed int32
}

// NewCoordinator wires a coordinator to a media engine. It watches the
// engine for death and fails closed when it goes: every subsequent
// operation is rejected, leaving the restart to external supervision.
func NewCoordinator(e engine.Engine, c Config) *Coordinator {
	codecs := c.Codecs
	if len(codecs) == 0 {
		codecs = engine.DefaultCodecs()
	}
	co := &Coordinator{
		engine:    e,
		codecs:    codecs,
		fed:       newFederation(c.Federation),
		namespace: c.Namespace,
		tables:    newTables(),
		fanout:    workerpool.New(1),
		rooms:     make(map[string]*Room),
		peers:     make(map[string]*Peer),
	}
	go func() {
		<-e.Done()
		atomic.StoreInt32(&co.closed, 1)
		log.Errorf("media engine is gone, rejecting new operations: %v", e.Err())
	}()
	return co
}

// Closed reports whether the media engine died.
func (c *Coordinator) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// Namespace is this instance's own namespace.
func (c *Coordinator) Namespace() string { return c.namespace }

// LocalNamespace reports whether a connection namespace belongs to this
// instance. The empty namespace counts as local for single-instance
// deployments.
func (c *Coordinator) LocalNamespace(ns string) bool {
	return ns == "" || ns == c.namespace
}

// Siblings is the federation roster handed to clients after their send
// transport connects.
func (c *Coordinator) Siblings() []Sibling {
	return c.fed.siblings()
}

// Admit decides whether a join attempt for the room proceeds locally,
// is redirected to the next sibling, or is rejected outright.
func (c *Coordinator) Admit(roomName string) (Decision, string) {
	c.mu.RLock()
	room := c.rooms[roomName]
	c.mu.RUnlock()

	occupancy := 0
	if room != nil {
		if c.fed.mesh() {
			occupancy = room.producingCount()
		} else {
			occupancy = room.MemberCount()
		}
	}
	return c.fed.admit(occupancy)
}

// Peer looks up a joined peer by connection id. Absence is a
// precondition violation on the caller's side.
func (c *Coordinator) Peer(connID string) (*Peer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[connID]
	if !ok {
		return nil, ErrPeerNotFound
	}
	return p, nil
}

func (c *Coordinator) addPeer(p *Peer) {
	c.mu.Lock()
	c.peers[p.id] = p
	c.mu.Unlock()
}

func (c *Coordinator) removePeer(connID string) {
	c.mu.Lock()
	delete(c.peers, connID)
	c.mu.Unlock()
}

// Close stops background workers. Intended for shutdown paths.
func (c *Coordinator) Close() {
	atomic.StoreInt32(&c.closed, 1)
	c.fanout.StopWait()
}
