// Package rtc implements the negotiation side of the real-time delivery
// leg: media capabilities, transport provisioning, and consumers bound
// to the producers derived from the live stream. The media plane itself
// is an external collaborator; this package owns the negotiation records
// and their state machine.
package rtc

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"

	"streamcast/internal/stream"
	"streamcast/pkg/logging"
)

// RtpCodecCapability describes one codec the router can serve
type RtpCodecCapability struct {
	Kind       string                 `json:"kind"`
	MimeType   string                 `json:"mimeType"`
	ClockRate  int                    `json:"clockRate"`
	Channels   int                    `json:"channels,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// RtpCapabilities is the capability set exchanged with a viewer
type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

// RtpParameters carries the send parameters of one producer or consumer
type RtpParameters struct {
	MimeType    string `json:"mimeType"`
	ClockRate   int    `json:"clockRate"`
	Channels    int    `json:"channels,omitempty"`
	PayloadType int    `json:"payloadType"`
}

// Producer is one server-side media source derived from the live stream
type Producer struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

// Router derives producers from the authoritative stream state. While
// the stream is live there is one video and one audio producer; while it
// is offline the capability set is empty, which a negotiating viewer
// must treat as "retry later".
type Router struct {
	mu        sync.Mutex
	state     *stream.State
	logger    logging.Logger
	producers []Producer
}

// NewRouter creates a router bound to the stream state
func NewRouter(state *stream.State, logger logging.Logger) *Router {
	return &Router{state: state, logger: logger}
}

// Capabilities returns the codec set available for the current
// producers, empty when no stream is live
func (r *Router) Capabilities() RtpCapabilities {
	caps := RtpCapabilities{Codecs: []RtpCodecCapability{}}
	for _, p := range r.Producers() {
		caps.Codecs = append(caps.Codecs, RtpCodecCapability{
			Kind:      p.Kind,
			MimeType:  p.RtpParameters.MimeType,
			ClockRate: p.RtpParameters.ClockRate,
			Channels:  p.RtpParameters.Channels,
		})
	}
	return caps
}

// Producers returns the producers for the live stream, rebuilding or
// dropping them as the live flag changes
func (r *Router) Producers() []Producer {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.state.Live()
	switch {
	case live && r.producers == nil:
		r.producers = []Producer{
			{
				ID:   uuid.New().String(),
				Kind: "video",
				RtpParameters: RtpParameters{
					MimeType:    "video/H264",
					ClockRate:   90000,
					PayloadType: 96,
				},
			},
			{
				ID:   uuid.New().String(),
				Kind: "audio",
				RtpParameters: RtpParameters{
					MimeType:    "audio/opus",
					ClockRate:   48000,
					Channels:    2,
					PayloadType: 111,
				},
			},
		}
		r.logger.WithField("stream_path", r.state.Identity().Path()).Info("Producers created for live stream")
	case !live && r.producers != nil:
		r.producers = nil
		r.logger.Info("Producers released, stream offline")
	}

	out := make([]Producer, len(r.producers))
	copy(out, r.producers)
	return out
}

// kindSupportedBy reports whether the viewer's declared capabilities
// include a codec compatible with the producer
func kindSupportedBy(p Producer, caps RtpCapabilities) bool {
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, p.RtpParameters.MimeType) {
			return true
		}
	}
	return false
}

// randomHex returns n random bytes hex encoded, used for ICE and DTLS
// credential records
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process is in no state to
		// serve; uuid is the fallback entropy source.
		return strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return hex.EncodeToString(buf)
}
