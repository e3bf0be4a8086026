// Package server bridges the JSON-RPC control channel onto the
// signaling peer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/confmesh/signal/pkg/engine"
	"github.com/confmesh/signal/pkg/log"
	"github.com/confmesh/signal/pkg/signal"
)

// JoinRoom message sent by a client entering a room
type JoinRoom struct {
	RoomName       string `json:"roomName"`
	IsProducerHere bool   `json:"isProducerHere"`
	Name           string `json:"name"`
}

// JoinReply carries the room router's capability descriptor
type JoinReply struct {
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// CreateTransport message requesting a server-side media transport
type CreateTransport struct {
	Consumer bool `json:"consumer"`
}

// TransportParams wraps either transport connection parameters or an
// error descriptor, matching the degradable-path contract.
type TransportParams struct {
	Params interface{} `json:"params"`
}

type errParams struct {
	Error string `json:"error"`
}

// TransportConnect finalizes the send transport's DTLS handshake
type TransportConnect struct {
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// TransportProduce message creating a producer on the send transport
type TransportProduce struct {
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       json.RawMessage `json:"appData"`
}

// ProduceReply returns the producer id and whether other producers
// already exist in the room.
type ProduceReply struct {
	ID             string `json:"id"`
	ProducersExist bool   `json:"producersExist"`
}

// RecvConnect finalizes a receive transport identified by id
type RecvConnect struct {
	DTLSParameters            json.RawMessage `json:"dtlsParameters"`
	ServerConsumerTransportID string          `json:"serverConsumerTransportId"`
}

// Consume message creating a paused consumer for a remote producer
type Consume struct {
	RTPCapabilities           json.RawMessage `json:"rtpCapabilities"`
	RemoteProducerID          string          `json:"remoteProducerId"`
	ServerConsumerTransportID string          `json:"serverConsumerTransportId"`
}

// ConsumerResume unpauses a consumer
type ConsumerResume struct {
	ServerConsumerID string `json:"serverConsumerId"`
}

// ConnectionSuccess greets a freshly attached connection with its id
type ConnectionSuccess struct {
	SocketID string `json:"socketId"`
}

type JSONSignal struct {
	*signal.Peer
}

func NewJSONSignal(p *signal.Peer) *JSONSignal {
	return &JSONSignal{p}
}

type notifierFunc func(method string, payload interface{})

func (f notifierFunc) Notify(method string, payload interface{}) { f(method, payload) }

// Bind attaches the connection for server-push notifications and tells
// the client its connection id.
func (p *JSONSignal) Bind(ctx context.Context, conn *jsonrpc2.Conn) {
	p.SetNotifier(notifierFunc(func(method string, payload interface{}) {
		if err := conn.Notify(ctx, method, payload); err != nil {
			log.Errorf("error sending %s notification: %v", method, err)
		}
	}))
	if err := conn.Notify(ctx, "connection-success", ConnectionSuccess{SocketID: p.ID()}); err != nil {
		log.Errorf("error sending connection-success: %v", err)
	}
}

// Handle incoming RPC call events like joinRoom, transport-produce and
// consume.
func (p *JSONSignal) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	replyError := func(err error) {
		code := int64(500)
		var capErr *signal.CapacityError
		if errors.As(err, &capErr) {
			code = 503
		}
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    code,
			Message: fmt.Sprintf("%s", err),
		})
	}
	decode := func(v interface{}) bool {
		if req.Params == nil {
			replyError(errors.New("missing params"))
			return false
		}
		if err := json.Unmarshal(*req.Params, v); err != nil {
			log.Errorf("%s: error parsing params: %v", req.Method, err)
			replyError(err)
			return false
		}
		return true
	}

	switch req.Method {
	case "joinRoom":
		var join JoinRoom
		if !decode(&join) {
			break
		}
		caps, err := p.Join(ctx, join.RoomName, signal.PeerInfo{
			Name:         join.Name,
			ProducesHere: join.IsProducerHere,
		})
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, JoinReply{RTPCapabilities: json.RawMessage(caps)})

	case "createWebRtcTransport":
		var create CreateTransport
		if !decode(&create) {
			break
		}
		info, err := p.CreateTransport(ctx, create.Consumer)
		if err != nil {
			// This path degrades gracefully: the client gets an error
			// descriptor in the callback instead of a hard failure.
			log.Errorf("createWebRtcTransport: %v", err)
			_ = conn.Reply(ctx, req.ID, TransportParams{Params: errParams{Error: err.Error()}})
			break
		}
		_ = conn.Reply(ctx, req.ID, TransportParams{Params: info})

	case "transport-connect":
		var connect TransportConnect
		if !decode(&connect) {
			break
		}
		siblings, err := p.ConnectSendTransport(ctx, engine.DTLSParameters(connect.DTLSParameters))
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, siblings)

	case "transport-produce":
		var produce TransportProduce
		if !decode(&produce) {
			break
		}
		id, exist, err := p.Produce(ctx, engine.MediaKind(produce.Kind), engine.RTPParameters(produce.RTPParameters))
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, ProduceReply{ID: id, ProducersExist: exist})

	case "getProducers":
		ids, err := p.Producers()
		if err != nil {
			replyError(err)
			break
		}
		_ = conn.Reply(ctx, req.ID, ids)

	case "transport-recv-connect":
		var connect RecvConnect
		if !decode(&connect) {
			break
		}
		err := p.ConnectRecvTransport(ctx, connect.ServerConsumerTransportID, engine.DTLSParameters(connect.DTLSParameters))
		if err != nil {
			if !req.Notif {
				replyError(err)
			}
			break
		}
		if !req.Notif {
			_ = conn.Reply(ctx, req.ID, struct{}{})
		}

	case "consume":
		var consume Consume
		if !decode(&consume) {
			break
		}
		info, err := p.Consume(ctx, consume.RemoteProducerID, consume.ServerConsumerTransportID, engine.RTPCapabilities(consume.RTPCapabilities))
		if err != nil {
			log.Errorf("consume: %v", err)
			_ = conn.Reply(ctx, req.ID, TransportParams{Params: errParams{Error: err.Error()}})
			break
		}
		_ = conn.Reply(ctx, req.ID, TransportParams{Params: info})

	case "consumer-resume":
		var resume ConsumerResume
		if !decode(&resume) {
			break
		}
		if err := p.Resume(ctx, resume.ServerConsumerID); err != nil {
			if !req.Notif {
				replyError(err)
			} else {
				log.Errorf("consumer-resume: %v", err)
			}
			break
		}
		if !req.Notif {
			_ = conn.Reply(ctx, req.ID, struct{}{})
		}

	default:
		_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not found", req.Method),
		})
	}
}
