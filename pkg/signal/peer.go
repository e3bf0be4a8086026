package signal

import (
	"context"
	"strings"
	"sync"

	"github.com/lucsky/cuid"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/log"
	"github.com/confmesh/signal/pkg/stats"
)

// PeerInfo is the metadata record attached to a peer on join.
type PeerInfo struct {
	Name string `json:"name"`
	// ProducesHere marks the connection through which this participant
	// sends media. Mirror connections to sibling instances consume only.
	ProducesHere bool `json:"isProducerHere"`
	IsAdmin      bool `json:"isAdmin"`
}

// Notifier delivers server-push events to one client connection.
type Notifier interface {
	Notify(method string, payload interface{})
}

// ConsumerInfo is returned to a client after a successful consume.
type ConsumerInfo struct {
	ID               string                `json:"id"`
	ProducerID       string                `json:"producerId"`
	Kind             engine.MediaKind      `json:"kind"`
	RTPParameters    engine.RTPParameters  `json:"rtpParameters"`
	ServerConsumerID string                `json:"serverConsumerId"`
}

// NewProducer is pushed to every other room member after a produce.
type NewProducer struct {
	ProducerID string `json:"producerId"`
}

// ProducerClosed is pushed to a consumer's owner when the paired remote
// producer goes away.
type ProducerClosed struct {
	RemoteProducerID string `json:"remoteProducerId"`
}

// Peer is one client's control-channel session: its room membership and
// the transports, producers and consumers it owns. A participant that
// connects to several federation instances has one independent Peer per
// instance, correlated only by room name.
type Peer struct {
	id string
	co *Coordinator
	// local is true when the connection arrived on this instance's own
	// namespace; only local connections may produce.
	local bool

	nmu      sync.Mutex
	notifier Notifier

	mu            sync.Mutex
	closed        bool
	room          *Room
	info          PeerInfo
	sendTransport engine.Transport
	transports    []string
	producers     []string
	consumers     []string
}

// NewPeer creates the session state for a freshly accepted connection.
func NewPeer(co *Coordinator, local bool) *Peer {
	return &Peer{
		id:    cuid.New(),
		co:    co,
		local: local,
	}
}

// ID returns the connection id assigned to this peer.
func (p *Peer) ID() string { return p.id }

// SetNotifier wires the connection used for server-push events.
func (p *Peer) SetNotifier(n Notifier) {
	p.nmu.Lock()
	p.notifier = n
	p.nmu.Unlock()
}

func (p *Peer) notify(method string, payload interface{}) {
	// Fan-out snapshots can outlive a disconnect; a closed peer hears
	// nothing.
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.nmu.Lock()
	n := p.notifier
	p.nmu.Unlock()
	if n != nil {
		n.Notify(method, payload)
	}
}

func (p *Peer) producesHere() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.ProducesHere
}

// Join places the peer into a room, creating it on first use, and
// returns the router's capability descriptor. Producing peers pass the
// capacity gate atomically with the membership insert.
func (p *Peer) Join(ctx context.Context, roomName string, info PeerInfo) (engine.RTPCapabilities, error) {
	if p.co.Closed() {
		return nil, ErrEngineClosed
	}
	roomName = strings.ToLower(strings.TrimSpace(roomName))
	if roomName == "" {
		return nil, ErrNotJoined
	}

	p.mu.Lock()
	if p.room != nil {
		p.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	p.mu.Unlock()

	// Mirror connections never count against capacity; they only add
	// load to the instance the participant produces through. Producing
	// peers are gated inside the room lock.
	room, err := p.co.getOrCreateRoom(ctx, roomName, p, info.ProducesHere)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.room = room
	p.info = info
	p.mu.Unlock()
	p.co.addPeer(p)

	stats.Joins.Inc()
	stats.Peers.Inc()
	log.Infof("peer %s joined room %s (producer=%v)", p.id, roomName, info.ProducesHere)

	return room.Router().Capabilities(), nil
}

// CreateTransport asks the engine for a transport on the peer's room
// router. recvOnly transports carry consumed media; at most one send
// transport may exist per peer, enforced by rejection.
func (p *Peer) CreateTransport(ctx context.Context, recvOnly bool) (engine.TransportInfo, error) {
	if p.co.Closed() {
		return engine.TransportInfo{}, ErrEngineClosed
	}
	p.mu.Lock()
	room := p.room
	if room == nil {
		p.mu.Unlock()
		return engine.TransportInfo{}, ErrNotJoined
	}
	if !recvOnly && p.sendTransport != nil {
		p.mu.Unlock()
		return engine.TransportInfo{}, ErrSendTransportExists
	}
	p.mu.Unlock()

	transport, err := room.Router().CreateTransport(ctx)
	if err != nil {
		return engine.TransportInfo{}, err
	}
	transport.OnDTLSStateChange(func(state engine.DTLSState) {
		if state != engine.DTLSStateClosed {
			return
		}
		log.Debugf("transport %s dtls closed", transport.ID())
		p.transportGone(transport.ID())
	})

	p.mu.Lock()
	if !recvOnly {
		p.sendTransport = transport
	}
	p.transports = append(p.transports, transport.ID())
	p.mu.Unlock()

	p.co.tables.addTransport(&transportRow{
		owner:     p.id,
		room:      room.name,
		transport: transport,
		recvOnly:  recvOnly,
	})
	return transport.Info(), nil
}

// ConnectSendTransport finalizes the send transport's security handshake
// and returns the federation roster so the client can mirror itself into
// every sibling instance.
func (p *Peer) ConnectSendTransport(ctx context.Context, dtls engine.DTLSParameters) ([]Sibling, error) {
	if !p.local {
		return nil, ErrMirrorConnection
	}
	p.mu.Lock()
	transport := p.sendTransport
	p.mu.Unlock()
	if transport == nil {
		return nil, ErrNoSendTransport
	}
	if err := transport.Connect(ctx, dtls); err != nil {
		return nil, err
	}
	return p.co.Siblings(), nil
}

// Produce creates a producer on the connected send transport and fans a
// new-producer event out to the rest of the room. The returned flag
// tells the caller whether other producers already exist to consume.
func (p *Peer) Produce(ctx context.Context, kind engine.MediaKind, rtp engine.RTPParameters) (string, bool, error) {
	if p.co.Closed() {
		return "", false, ErrEngineClosed
	}
	if !p.local {
		return "", false, ErrMirrorConnection
	}
	p.mu.Lock()
	room := p.room
	transport := p.sendTransport
	p.mu.Unlock()
	if room == nil {
		return "", false, ErrNotJoined
	}
	if transport == nil {
		return "", false, ErrNoSendTransport
	}

	producer, err := transport.Produce(ctx, kind, rtp)
	if err != nil {
		return "", false, err
	}

	p.mu.Lock()
	p.producers = append(p.producers, producer.ID())
	p.mu.Unlock()
	p.co.tables.addProducer(&producerRow{
		owner:       p.id,
		room:        room.name,
		producer:    producer,
		transportID: transport.ID(),
		local:       true,
	})

	others := len(p.co.tables.producersExcept(p.id, room.name)) > 0

	// Fan out only after the rows are registered: a member reacting to
	// the event must find the producer present.
	room.notify(p.id, "new-producer", NewProducer{ProducerID: producer.ID()})
	log.Infof("peer %s producing %s in room %s (producer %s)", p.id, kind, room.name, producer.ID())

	return producer.ID(), others, nil
}

// Producers lists every other member's producers in the peer's room.
// Clients call it once right after they first produce; discovery after
// that relies on new-producer pushes.
func (p *Peer) Producers() ([]string, error) {
	p.mu.Lock()
	room := p.room
	p.mu.Unlock()
	if room == nil {
		return nil, ErrNotJoined
	}
	ids := p.co.tables.producersExcept(p.id, room.name)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ConnectRecvTransport finalizes a receive transport identified by id.
// The transport must belong to this peer and be receive-only.
func (p *Peer) ConnectRecvTransport(ctx context.Context, transportID string, dtls engine.DTLSParameters) error {
	row, err := p.co.tables.recvTransport(p.id, transportID)
	if err != nil {
		return err
	}
	return row.transport.Connect(ctx, dtls)
}

// Consume creates a paused consumer on the given receive transport,
// bound to a remote producer. An incompatible receiver gets an explicit
// error rather than a silently dropped request.
func (p *Peer) Consume(ctx context.Context, remoteProducerID, transportID string, caps engine.RTPCapabilities) (ConsumerInfo, error) {
	if p.co.Closed() {
		return ConsumerInfo{}, ErrEngineClosed
	}
	p.mu.Lock()
	room := p.room
	p.mu.Unlock()
	if room == nil {
		return ConsumerInfo{}, ErrNotJoined
	}
	row, err := p.co.tables.recvTransport(p.id, transportID)
	if err != nil {
		return ConsumerInfo{}, err
	}
	if !room.Router().CanConsume(remoteProducerID, caps) {
		return ConsumerInfo{}, ErrIncompatibleCapabilities
	}

	consumer, err := row.transport.Consume(ctx, remoteProducerID, caps)
	if err != nil {
		return ConsumerInfo{}, err
	}

	p.mu.Lock()
	p.consumers = append(p.consumers, consumer.ID())
	p.mu.Unlock()
	p.co.tables.addConsumer(&consumerRow{
		owner:       p.id,
		room:        room.name,
		consumer:    consumer,
		producerID:  remoteProducerID,
		transportID: transportID,
	})

	consumer.OnProducerClose(func() {
		p.consumerOrphaned(consumer.ID(), transportID, remoteProducerID)
	})

	return ConsumerInfo{
		ID:               consumer.ID(),
		ProducerID:       remoteProducerID,
		Kind:             consumer.Kind(),
		RTPParameters:    consumer.RTPParameters(),
		ServerConsumerID: consumer.ID(),
	}, nil
}

// Resume unpauses a consumer. Consumers start paused and carry no media
// until their owner asks for it.
func (p *Peer) Resume(ctx context.Context, consumerID string) error {
	row, err := p.co.tables.consumer(p.id, consumerID)
	if err != nil {
		return err
	}
	return row.consumer.Resume(ctx)
}

// transportGone tears down a transport whose security layer closed,
// together with every producer and consumer living on it. Closing the
// producers drives the producer-closed cascade to their consumers'
// owners, the same way a disconnect sweep does.
func (p *Peer) transportGone(transportID string) {
	if row := p.co.tables.removeTransport(transportID); row != nil {
		if err := row.transport.Close(); err != nil {
			log.Warnf("closing transport %s: %v", transportID, err)
		}
	}
	prods, cons := p.co.tables.removeForTransport(transportID)

	p.mu.Lock()
	p.transports = remove(p.transports, transportID)
	if p.sendTransport != nil && p.sendTransport.ID() == transportID {
		p.sendTransport = nil
	}
	for _, row := range prods {
		p.producers = remove(p.producers, row.producer.ID())
	}
	for _, row := range cons {
		p.consumers = remove(p.consumers, row.consumer.ID())
	}
	p.mu.Unlock()

	for _, row := range cons {
		if err := row.consumer.Close(); err != nil {
			log.Warnf("closing consumer %s: %v", row.consumer.ID(), err)
		}
	}
	for _, row := range prods {
		if err := row.producer.Close(); err != nil {
			log.Warnf("closing producer %s: %v", row.producer.ID(), err)
		}
	}
}

// consumerOrphaned tears down a consumer whose remote producer closed:
// the consumer and its transport are removed and the owner is told so it
// can drop the matching UI state.
func (p *Peer) consumerOrphaned(consumerID, transportID, remoteProducerID string) {
	cRow := p.co.tables.removeConsumer(consumerID)
	tRow := p.co.tables.removeTransport(transportID)

	p.mu.Lock()
	p.consumers = remove(p.consumers, consumerID)
	p.transports = remove(p.transports, transportID)
	closed := p.closed
	p.mu.Unlock()

	if cRow != nil {
		if err := cRow.consumer.Close(); err != nil {
			log.Warnf("closing orphaned consumer %s: %v", consumerID, err)
		}
	}
	if tRow != nil {
		if err := tRow.transport.Close(); err != nil {
			log.Warnf("closing orphaned transport %s: %v", transportID, err)
		}
	}
	if !closed {
		p.notify("producer-closed", ProducerClosed{RemoteProducerID: remoteProducerID})
	}
}

// Close is the disconnect handler. It closes and removes everything the
// connection owns, then retires the peer and its room membership. Safe
// to call for a peer that never joined, and safe to call twice.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	room := p.room
	p.room = nil
	p.sendTransport = nil
	p.mu.Unlock()

	// Dependent rows before the peer entry. Closing our producers
	// cascades into other peers' consumers via the engine callbacks.
	p.co.tables.removeAllFor(p.id)

	if room != nil {
		p.co.removePeer(p.id)
		room.removeMember(p.id)
		stats.Peers.Dec()
		log.Infof("peer %s left room %s", p.id, room.name)
	}
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
