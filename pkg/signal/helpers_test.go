package signal

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/engine/loopback"
)

var testDTLS = engine.DTLSParameters(`{"role":"client","fingerprints":[]}`)

func opusCaps() engine.RTPCapabilities {
	return engine.RTPCapabilities(`{"codecs":[{"mimeType":"audio/opus","clockRate":48000}]}`)
}

type event struct {
	method  string
	payload interface{}
}

// testNotifier records pushed events and exposes them on a channel so
// tests can wait for asynchronous fan-out.
type testNotifier struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newTestNotifier() *testNotifier {
	return &testNotifier{ch: make(chan event, 32)}
}

func (n *testNotifier) Notify(method string, payload interface{}) {
	n.mu.Lock()
	n.events = append(n.events, event{method, payload})
	n.mu.Unlock()
	n.ch <- event{method, payload}
}

func (n *testNotifier) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.method == method {
			c++
		}
	}
	return c
}

func newTestCoordinator(cfg Config) (*Coordinator, *loopback.Engine) {
	e := loopback.New()
	return NewCoordinator(e, cfg), e
}

func joinedPeer(t *testing.T, co *Coordinator, room string, producer bool) (*Peer, *testNotifier) {
	t.Helper()
	p := NewPeer(co, true)
	n := newTestNotifier()
	p.SetNotifier(n)
	_, err := p.Join(context.Background(), room, PeerInfo{ProducesHere: producer})
	require.NoError(t, err)
	return p, n
}

// produceAudio walks a peer through the full producing handshake.
func produceAudio(t *testing.T, p *Peer) string {
	t.Helper()
	ctx := context.Background()
	_, err := p.CreateTransport(ctx, false)
	require.NoError(t, err)
	_, err = p.ConnectSendTransport(ctx, testDTLS)
	require.NoError(t, err)
	id, _, err := p.Produce(ctx, engine.MediaKindAudio, engine.RTPParameters(`{}`))
	require.NoError(t, err)
	return id
}

// consumeFrom walks a peer through the receive handshake against a
// remote producer, returning the consumer descriptor.
func consumeFrom(t *testing.T, p *Peer, producerID string) ConsumerInfo {
	t.Helper()
	ctx := context.Background()
	info, err := p.CreateTransport(ctx, true)
	require.NoError(t, err)
	require.NoError(t, p.ConnectRecvTransport(ctx, info.ID, testDTLS))
	ci, err := p.Consume(ctx, producerID, info.ID, opusCaps())
	require.NoError(t, err)
	return ci
}
