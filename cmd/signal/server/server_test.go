package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confmesh/signal/pkg/engine/loopback"
	"github.com/confmesh/signal/pkg/signal"
)

type notification struct {
	method string
	params json.RawMessage
}

type clientHandler struct {
	ch chan notification
}

func (h *clientHandler) Handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		return
	}
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	h.ch <- notification{method: req.Method, params: params}
}

// dial wires a client conn to a fresh peer's JSON-RPC bridge over an
// in-memory pipe.
func dial(t *testing.T, co *signal.Coordinator) (*jsonrpc2.Conn, chan notification) {
	t.Helper()
	ctx := context.Background()
	serverSide, clientSide := net.Pipe()

	p := signal.NewPeer(co, true)
	js := NewJSONSignal(p)
	sconn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.VSCodeObjectCodec{}), js)

	h := &clientHandler{ch: make(chan notification, 16)}
	cconn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}), h)

	js.Bind(ctx, sconn)

	t.Cleanup(func() {
		p.Close()
		_ = cconn.Close()
		_ = sconn.Close()
	})
	return cconn, h.ch
}

func waitFor(t *testing.T, ch chan notification, method string) notification {
	t.Helper()
	for {
		select {
		case n := <-ch:
			if n.method == method {
				return n
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", method)
		}
	}
}

func TestConnectionSuccessGreeting(t *testing.T) {
	co := signal.NewCoordinator(loopback.New(), signal.Config{})
	_, ch := dial(t, co)

	n := waitFor(t, ch, "connection-success")
	var greeting ConnectionSuccess
	require.NoError(t, json.Unmarshal(n.params, &greeting))
	assert.NotEmpty(t, greeting.SocketID)
}

func TestFullProduceHandshake(t *testing.T) {
	siblings := []signal.Sibling{
		{Namespace: "/SFU_1", URL: "https://a:3000"},
		{Namespace: "/SFU_2", URL: "https://b:4000"},
	}
	co := signal.NewCoordinator(loopback.New(), signal.Config{
		Namespace:  "/SFU_1",
		Federation: signal.FederationConfig{Limit: 3, Siblings: siblings},
	})
	ctx := context.Background()
	conn, _ := dial(t, co)

	var join JoinReply
	require.NoError(t, conn.Call(ctx, "joinRoom", JoinRoom{RoomName: "Alpha", IsProducerHere: true}, &join))
	assert.Contains(t, string(join.RTPCapabilities), "audio/opus")

	var created struct {
		Params struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"params"`
	}
	require.NoError(t, conn.Call(ctx, "createWebRtcTransport", CreateTransport{Consumer: false}, &created))
	assert.Empty(t, created.Params.Error)
	assert.NotEmpty(t, created.Params.ID)

	var roster []signal.Sibling
	require.NoError(t, conn.Call(ctx, "transport-connect",
		TransportConnect{DTLSParameters: json.RawMessage(`{"role":"client"}`)}, &roster))
	assert.Equal(t, siblings, roster)

	var produced ProduceReply
	require.NoError(t, conn.Call(ctx, "transport-produce",
		TransportProduce{Kind: "audio", RTPParameters: json.RawMessage(`{}`)}, &produced))
	assert.NotEmpty(t, produced.ID)
	assert.False(t, produced.ProducersExist)

	var producers []string
	require.NoError(t, conn.Call(ctx, "getProducers", struct{}{}, &producers))
	assert.Empty(t, producers)
}

func TestSecondSendTransportDegradesToErrorPayload(t *testing.T) {
	co := signal.NewCoordinator(loopback.New(), signal.Config{})
	ctx := context.Background()
	conn, _ := dial(t, co)

	var join JoinReply
	require.NoError(t, conn.Call(ctx, "joinRoom", JoinRoom{RoomName: "alpha", IsProducerHere: true}, &join))

	var created struct {
		Params struct {
			ID    string `json:"id"`
			Error string `json:"error"`
		} `json:"params"`
	}
	require.NoError(t, conn.Call(ctx, "createWebRtcTransport", CreateTransport{}, &created))
	require.Empty(t, created.Params.Error)

	require.NoError(t, conn.Call(ctx, "createWebRtcTransport", CreateTransport{}, &created))
	assert.NotEmpty(t, created.Params.Error)
}

func TestProduceBeforeJoinIsAnError(t *testing.T) {
	co := signal.NewCoordinator(loopback.New(), signal.Config{})
	conn, _ := dial(t, co)

	var produced ProduceReply
	err := conn.Call(context.Background(), "transport-produce",
		TransportProduce{Kind: "audio"}, &produced)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not joined")
}

func TestNewProducerNotificationBetweenConnections(t *testing.T) {
	co := signal.NewCoordinator(loopback.New(), signal.Config{})
	ctx := context.Background()

	producerConn, _ := dial(t, co)
	consumerConn, consumerCh := dial(t, co)

	var join JoinReply
	require.NoError(t, producerConn.Call(ctx, "joinRoom", JoinRoom{RoomName: "alpha", IsProducerHere: true}, &join))
	require.NoError(t, consumerConn.Call(ctx, "joinRoom", JoinRoom{RoomName: "alpha"}, &join))

	var created struct {
		Params struct {
			ID string `json:"id"`
		} `json:"params"`
	}
	require.NoError(t, producerConn.Call(ctx, "createWebRtcTransport", CreateTransport{}, &created))
	var roster []signal.Sibling
	require.NoError(t, producerConn.Call(ctx, "transport-connect",
		TransportConnect{DTLSParameters: json.RawMessage(`{}`)}, &roster))

	var produced ProduceReply
	require.NoError(t, producerConn.Call(ctx, "transport-produce",
		TransportProduce{Kind: "audio", RTPParameters: json.RawMessage(`{}`)}, &produced))

	n := waitFor(t, consumerCh, "new-producer")
	var payload signal.NewProducer
	require.NoError(t, json.Unmarshal(n.params, &payload))
	assert.Equal(t, produced.ID, payload.ProducerID)
}

func TestUnknownMethodRejected(t *testing.T) {
	co := signal.NewCoordinator(loopback.New(), signal.Config{})
	conn, _ := dial(t, co)

	var out interface{}
	err := conn.Call(context.Background(), "bogus", struct{}{}, &out)
	require.Error(t, err)
}
