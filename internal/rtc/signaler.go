package rtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"streamcast/pkg/logging"
)

// Signaling actions a viewer may request over its notification channel
const (
	ActionGetCapabilities  = "getRouterRtpCapabilities"
	ActionCreateTransport  = "createTransport"
	ActionConnectTransport = "connectTransport"
	ActionConsume          = "consume"
	ActionResumeConsumer   = "resumeConsumer"
	ActionStop             = "stop"
)

// Config holds the transport announcement parameters
type Config struct {
	// AnnouncedIP is the address published in ICE candidates
	AnnouncedIP string
	// MediaPort is the UDP port published in ICE candidates
	MediaPort int
}

// Signaler owns all negotiation machines, one per viewer session, and
// dispatches signaling requests onto them. A stalled negotiation is the
// viewer's responsibility to retry (the documented client policy is a
// fresh attempt after ~1s); the server only guarantees release on
// disconnect.
type Signaler struct {
	mu           sync.Mutex
	cfg          Config
	router       *Router
	logger       logging.Logger
	negotiations map[string]*Negotiation

	// onTransition is an optional observation hook for metrics
	onTransition func(phase Phase)
}

// NewSignaler creates a signaler over a router
func NewSignaler(cfg Config, router *Router, logger logging.Logger) *Signaler {
	return &Signaler{
		cfg:          cfg,
		router:       router,
		logger:       logger,
		negotiations: make(map[string]*Negotiation),
	}
}

// SetTransitionFunc wires a phase-transition observation hook
func (s *Signaler) SetTransitionFunc(fn func(phase Phase)) {
	s.onTransition = fn
}

// HandleRequest dispatches one signaling frame for a session. Implements
// the hub's request handler surface.
func (s *Signaler) HandleRequest(sessionID, action string, data json.RawMessage) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	neg := s.negotiations[sessionID]
	if neg == nil {
		neg = newNegotiation(sessionID)
		s.negotiations[sessionID] = neg
	}

	switch action {
	case ActionGetCapabilities:
		return s.getCapabilities(neg)
	case ActionCreateTransport:
		return s.createTransport(neg)
	case ActionConnectTransport:
		return s.connectTransport(neg, data)
	case ActionConsume:
		return s.consume(neg, data)
	case ActionResumeConsumer:
		return s.resumeConsumer(neg, data)
	case ActionStop:
		s.closeLocked(sessionID, neg)
		return map[string]bool{"ok": true}, nil
	default:
		return nil, fmt.Errorf("unknown signaling action: %q", action)
	}
}

// CloseSession releases a session's negotiation state regardless of
// phase. Invoked on viewer disconnect.
func (s *Signaler) CloseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if neg, ok := s.negotiations[sessionID]; ok {
		s.closeLocked(sessionID, neg)
	}
}

// NegotiationCount returns the number of active negotiations
func (s *Signaler) NegotiationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.negotiations)
}

func (s *Signaler) closeLocked(sessionID string, neg *Negotiation) {
	neg.close()
	delete(s.negotiations, sessionID)
	s.transitioned(PhaseClosed)
	s.logger.WithField("session_id", sessionID).Debug("Negotiation closed")
}

// getCapabilities answers the capability exchange. With no live stream
// the set is empty and the machine stays in Idle so the viewer can
// retry the exchange later on the same machine.
func (s *Signaler) getCapabilities(neg *Negotiation) (interface{}, error) {
	if neg.phase == PhaseClosed {
		return nil, ErrClosed
	}

	caps := s.router.Capabilities()
	if len(caps.Codecs) == 0 {
		return caps, nil
	}
	if neg.phase == PhaseIdle {
		if err := neg.advance(PhaseIdle, PhaseCapabilitiesExchanged); err != nil {
			return nil, err
		}
		s.transitioned(PhaseCapabilitiesExchanged)
	}
	return caps, nil
}

// createTransport provisions the transport record for the viewer
func (s *Signaler) createTransport(neg *Negotiation) (interface{}, error) {
	if err := neg.require(PhaseCapabilitiesExchanged); err != nil {
		return nil, err
	}
	if len(s.router.Producers()) == 0 {
		return nil, ErrNoMedia
	}

	transport := &TransportInfo{
		ID: uuid.New().String(),
		ICEParameters: ICEParameters{
			UsernameFragment: randomHex(8),
			Password:         randomHex(16),
			ICELite:          true,
		},
		ICECandidates: []ICECandidate{
			{
				Foundation: "udpcandidate",
				IP:         s.cfg.AnnouncedIP,
				Port:       s.cfg.MediaPort,
				Priority:   1076302079,
				Protocol:   "udp",
				Type:       "host",
			},
		},
		DTLSParameters: DTLSParameters{
			Role: "auto",
			Fingerprints: []DTLSFingerprint{
				{Algorithm: "sha-256", Value: randomHex(32)},
			},
		},
	}

	if err := neg.advance(PhaseCapabilitiesExchanged, PhaseTransportCreated); err != nil {
		return nil, err
	}
	neg.transport = transport
	s.transitioned(PhaseTransportCreated)
	return transport, nil
}

// connectTransport finalizes the secure transport with the viewer's DTLS
// parameters. A failed attempt leaves the machine in TransportCreated so
// the viewer can retry without discarding the transport record.
func (s *Signaler) connectTransport(neg *Negotiation, data json.RawMessage) (interface{}, error) {
	if err := neg.require(PhaseTransportCreated); err != nil {
		return nil, err
	}

	var payload struct {
		DTLSParameters DTLSParameters `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed dtls parameters: %w", err)
	}
	if len(payload.DTLSParameters.Fingerprints) == 0 {
		return nil, fmt.Errorf("dtls parameters missing fingerprints")
	}

	if err := neg.advance(PhaseTransportCreated, PhaseTransportConnected); err != nil {
		return nil, err
	}
	s.transitioned(PhaseTransportConnected)
	return map[string]bool{"ok": true}, nil
}

// consume creates one consumer per producer compatible with the viewer's
// declared capabilities. With zero producers the result is an empty
// list and the machine stays connected; the documented viewer policy is
// to abandon the machine and renegotiate after a short delay.
func (s *Signaler) consume(neg *Negotiation, data json.RawMessage) (interface{}, error) {
	if err := neg.require(PhaseTransportConnected); err != nil {
		return nil, err
	}

	var payload struct {
		RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed rtp capabilities: %w", err)
	}

	consumers := make([]*Consumer, 0, 2)
	for _, producer := range s.router.Producers() {
		if !kindSupportedBy(producer, payload.RtpCapabilities) {
			continue
		}
		consumer := &Consumer{
			ID:            uuid.New().String(),
			ProducerID:    producer.ID,
			Kind:          producer.Kind,
			RtpParameters: producer.RtpParameters,
			Paused:        true,
		}
		consumers = append(consumers, consumer)
	}

	if len(consumers) > 0 {
		if err := neg.advance(PhaseTransportConnected, PhaseConsuming); err != nil {
			return nil, err
		}
		for _, c := range consumers {
			neg.consumers[c.ID] = c
		}
		s.transitioned(PhaseConsuming)
	}

	return map[string]interface{}{"consumers": consumers}, nil
}

// resumeConsumer unpauses one consumer so media can flow
func (s *Signaler) resumeConsumer(neg *Negotiation, data json.RawMessage) (interface{}, error) {
	if err := neg.require(PhaseConsuming); err != nil {
		return nil, err
	}

	var payload struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed resume request: %w", err)
	}

	consumer, ok := neg.consumers[payload.ConsumerID]
	if !ok {
		return nil, fmt.Errorf("unknown consumer: %q", payload.ConsumerID)
	}
	consumer.Paused = false
	return map[string]bool{"ok": true}, nil
}

func (s *Signaler) transitioned(phase Phase) {
	if s.onTransition != nil {
		s.onTransition(phase)
	}
}
