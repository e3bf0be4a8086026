// Package engine defines the boundary to the external media engine.
//
// The signaling node never touches RTP itself. It asks the engine for a
// routing context (Router) per room, creates bidirectional transports on
// top of it, and creates producer/consumer endpoints on those transports.
// ICE, DTLS and RTP parameter payloads are treated as opaque blobs that
// are relayed between the engine and the client untouched.
package engine

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Opaque engine-defined parameter payloads.
type (
	RTPCapabilities = json.RawMessage
	RTPParameters   = json.RawMessage
	DTLSParameters  = json.RawMessage
)

// DTLSState reported by a transport's security layer.
type DTLSState string

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

// CodecCapability describes one codec a room's router negotiates.
// Every router of this process is created with the same fixed set.
type CodecCapability struct {
	Kind                      MediaKind `mapstructure:"kind" json:"kind"`
	webrtc.RTPCodecCapability `mapstructure:",squash"`
}

// DefaultCodecs returns the process-wide codec set used when the config
// does not override it: Opus audio and VP8 video.
func DefaultCodecs() []CodecCapability {
	return []CodecCapability{
		{
			Kind: MediaKindAudio,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
		},
		{
			Kind: MediaKindVideo,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeVP8,
				ClockRate:   90000,
				SDPFmtpLine: "x-google-start-bitrate=1000",
			},
		},
	}
}

// TransportInfo is the connection descriptor a client needs to establish
// the transport on its side.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

// Engine is one media engine process.
//
// Done is closed when the engine dies. The engine is unrecoverable at
// that point: callers must fail closed and let supervision restart the
// whole node.
type Engine interface {
	CreateRouter(ctx context.Context, codecs []CodecCapability) (Router, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Router is a per-room routing context. Safe for concurrent use; all
// members of a room share one router.
type Router interface {
	ID() string
	Capabilities() RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	// CanConsume reports whether a receiver with the given capabilities
	// is able to consume the producer.
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
}

// Transport is a bidirectional media endpoint created from a router.
type Transport interface {
	ID() string
	Info() TransportInfo
	Connect(ctx context.Context, dtls DTLSParameters) error
	Produce(ctx context.Context, kind MediaKind, rtp RTPParameters) (Producer, error)
	// Consume creates a consumer bound to the given remote producer.
	// Consumers start out paused and must be resumed explicitly.
	Consume(ctx context.Context, producerID string, caps RTPCapabilities) (Consumer, error)
	OnDTLSStateChange(f func(DTLSState))
	Close() error
}

// Producer is a media source bound to a send transport.
type Producer interface {
	ID() string
	Kind() MediaKind
	Close() error
}

// Consumer is a media sink bound to a receive transport, paired with
// exactly one remote producer.
type Consumer interface {
	ID() string
	Kind() MediaKind
	ProducerID() string
	RTPParameters() RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	// OnProducerClose fires when the paired remote producer goes away.
	OnProducerClose(f func())
	Close() error
}
