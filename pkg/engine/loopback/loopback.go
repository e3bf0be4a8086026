// Package loopback is an in-process implementation of the engine
// boundary. It performs the full signaling-side object lifecycle
// (routers, transports, producers, paused consumers, producer-close
// cascades) without moving any media, which makes it suitable for the
// test harness and for running the node without a media worker attached.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/confmesh/signal/pkg/engine"
)

var (
	ErrEngineClosed     = errors.New("engine is closed")
	ErrRouterClosed     = errors.New("router is closed")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrNotConnected     = errors.New("transport is not connected")
	ErrMissingDTLS      = errors.New("missing dtls parameters")
	ErrUnknownProducer  = errors.New("unknown producer")
	ErrConsumerClosed   = errors.New("consumer is closed")
	ErrCannotConsume    = errors.New("receiver cannot consume this producer")
)

// Engine implements engine.Engine in process.
type Engine struct {
	mu      sync.Mutex
	routers map[string]*router
	done    chan struct{}
	err     error
	closed  bool
}

// New creates a loopback engine.
func New() *Engine {
	return &Engine{
		routers: make(map[string]*router),
		done:    make(chan struct{}),
	}
}

func (e *Engine) CreateRouter(_ context.Context, codecs []engine.CodecCapability) (engine.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	r := &router{
		id:         uuid.NewString(),
		codecs:     codecs,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
	}
	e.routers[r.id] = r
	return r, nil
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Fail marks the engine as dead, as if the underlying worker process
// crashed. All subsequent operations return errors.
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.err = err
	e.mu.Unlock()
	close(e.done)
}

func (e *Engine) Close() error {
	e.Fail(nil)
	return nil
}

type router struct {
	id     string
	codecs []engine.CodecCapability

	mu         sync.Mutex
	closed     bool
	transports map[string]*transport
	producers  map[string]*producer
}

// capabilitySet mirrors the shape of an rtpCapabilities payload: the
// only part the loopback inspects is the codec list.
type capabilitySet struct {
	Codecs []codecJSON `json:"codecs"`
}

// codecJSON is the wire form of a codec entry.
type codecJSON struct {
	Kind        string `json:"kind,omitempty"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate,omitempty"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

func toCodecJSON(c engine.CodecCapability) codecJSON {
	return codecJSON{
		Kind:        string(c.Kind),
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() engine.RTPCapabilities {
	set := capabilitySet{}
	for _, c := range r.codecs {
		set.Codecs = append(set.Codecs, toCodecJSON(c))
	}
	b, _ := json.Marshal(set)
	return b
}

func (r *router) CreateTransport(_ context.Context) (engine.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	t := &transport{
		id:     uuid.NewString(),
		router: r,
		state:  engine.DTLSStateNew,
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *router) CanConsume(producerID string, caps engine.RTPCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	var set capabilitySet
	if err := json.Unmarshal(caps, &set); err != nil {
		return false
	}
	for _, c := range set.Codecs {
		if strings.EqualFold(c.MimeType, p.mimeType()) {
			return true
		}
	}
	return false
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	return nil
}

func (r *router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *router) addProducer(p *producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) producer(id string) (*producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *router) codecFor(kind engine.MediaKind) (engine.CodecCapability, bool) {
	for _, c := range r.codecs {
		if c.Kind == kind {
			return c, true
		}
	}
	return engine.CodecCapability{}, false
}

type transport struct {
	id     string
	router *router

	mu        sync.Mutex
	state     engine.DTLSState
	closed    bool
	connected bool
	onState   func(engine.DTLSState)
}

func (t *transport) ID() string { return t.id }

func (t *transport) Info() engine.TransportInfo {
	ice, _ := json.Marshal(map[string]interface{}{
		"usernameFragment": uuid.NewString()[:8],
		"password":         uuid.NewString(),
		"iceLite":          true,
	})
	candidates, _ := json.Marshal([]map[string]interface{}{{
		"foundation": "udpcandidate",
		"priority":   1076302079,
		"ip":         "127.0.0.1",
		"protocol":   "udp",
		"port":       0,
		"type":       "host",
	}})
	dtls, _ := json.Marshal(map[string]interface{}{
		"role":         "auto",
		"fingerprints": []interface{}{},
	})
	return engine.TransportInfo{
		ID:             t.id,
		ICEParameters:  ice,
		ICECandidates:  candidates,
		DTLSParameters: dtls,
	}
}

func (t *transport) Connect(_ context.Context, dtls engine.DTLSParameters) error {
	if len(dtls) == 0 {
		return ErrMissingDTLS
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.connected = true
	t.state = engine.DTLSStateConnected
	return nil
}

func (t *transport) Produce(_ context.Context, kind engine.MediaKind, rtp engine.RTPParameters) (engine.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.mu.Unlock()

	codec, ok := t.router.codecFor(kind)
	if !ok {
		return nil, errors.New("no codec for kind " + string(kind))
	}
	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		codec:     codec,
		rtp:       rtp,
		transport: t,
	}
	t.router.addProducer(p)
	return p, nil
}

func (t *transport) Consume(_ context.Context, producerID string, caps engine.RTPCapabilities) (engine.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()

	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, ErrUnknownProducer
	}
	if !t.router.CanConsume(producerID, caps) {
		return nil, ErrCannotConsume
	}
	rtp, _ := json.Marshal(capabilitySet{Codecs: []codecJSON{toCodecJSON(p.codec)}})

	c := &consumer{
		id:         uuid.NewString(),
		kind:       p.kind,
		producerID: producerID,
		rtp:        rtp,
		paused:     true,
	}
	p.addConsumer(c)
	return c, nil
}

func (t *transport) OnDTLSStateChange(f func(engine.DTLSState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = engine.DTLSStateClosed
	f := t.onState
	t.mu.Unlock()

	t.router.removeTransport(t.id)
	if f != nil {
		f(engine.DTLSStateClosed)
	}
	return nil
}

type producer struct {
	id        string
	kind      engine.MediaKind
	codec     engine.CodecCapability
	rtp       engine.RTPParameters
	transport *transport

	mu        sync.Mutex
	closed    bool
	consumers []*consumer
}

func (p *producer) ID() string             { return p.id }
func (p *producer) Kind() engine.MediaKind { return p.kind }

func (p *producer) mimeType() string { return p.codec.MimeType }

func (p *producer) addConsumer(c *consumer) {
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
}

func (p *producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()

	p.transport.router.removeProducer(p.id)

	// Fire producer-close on every paired consumer outside our lock:
	// the handlers reach back into the signaling tables.
	for _, c := range consumers {
		c.producerClosed()
	}
	return nil
}

type consumer struct {
	id         string
	kind       engine.MediaKind
	producerID string
	rtp        engine.RTPParameters

	mu       sync.Mutex
	closed   bool
	paused   bool
	onPClose func()
}

func (c *consumer) ID() string                        { return c.id }
func (c *consumer) Kind() engine.MediaKind            { return c.kind }
func (c *consumer) ProducerID() string                { return c.producerID }
func (c *consumer) RTPParameters() engine.RTPParameters { return c.rtp }

func (c *consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConsumerClosed
	}
	c.paused = false
	return nil
}

func (c *consumer) OnProducerClose(f func()) {
	c.mu.Lock()
	c.onPClose = f
	c.mu.Unlock()
}

func (c *consumer) producerClosed() {
	c.mu.Lock()
	f := c.onPClose
	closed := c.closed
	c.mu.Unlock()
	if !closed && f != nil {
		f()
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.onPClose = nil
	c.mu.Unlock()
	return nil
}
