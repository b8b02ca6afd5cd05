package rtc

import (
	"errors"
	"fmt"
)

// Phase is the strictly forward-progressing state of one viewer's
// negotiation. A machine never reverts; recovery is always a fresh
// machine instance.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapabilitiesExchanged
	PhaseTransportCreated
	PhaseTransportConnected
	PhaseConsuming
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapabilitiesExchanged:
		return "capabilitiesExchanged"
	case PhaseTransportCreated:
		return "transportCreated"
	case PhaseTransportConnected:
		return "transportConnected"
	case PhaseConsuming:
		return "consuming"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiation errors
var (
	ErrInvalidPhase = errors.New("invalid negotiation phase")
	ErrNoMedia      = errors.New("no live media available")
	ErrClosed       = errors.New("negotiation closed")
)

// ICEParameters are the server-side ICE credentials of a transport
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

// ICECandidate is one server transport candidate
type ICECandidate struct {
	Foundation string `json:"foundation"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Priority   int    `json:"priority"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
}

// DTLSFingerprint is one certificate fingerprint
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters carries fingerprints and role for the secure transport
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportInfo is the provisioning record returned to the viewer
type TransportInfo struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// Consumer delivers one producer's media to the viewer. Consumers start
// paused and require an explicit resume before media flows, which lets
// the viewer finish its rendering setup first.
type Consumer struct {
	ID            string        `json:"id"`
	ProducerID    string        `json:"producerId"`
	Kind          string        `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
	Paused        bool          `json:"paused"`
}

// Negotiation is one viewer's state machine instance. All access is
// serialized by the owning Signaler.
type Negotiation struct {
	sessionID string
	phase     Phase
	transport *TransportInfo
	consumers map[string]*Consumer
}

func newNegotiation(sessionID string) *Negotiation {
	return &Negotiation{
		sessionID: sessionID,
		phase:     PhaseIdle,
		consumers: make(map[string]*Consumer),
	}
}

// Phase returns the current phase
func (n *Negotiation) Phase() Phase {
	return n.phase
}

// advance moves the machine one step forward. Any other transition is
// rejected; the machine never moves backward.
func (n *Negotiation) advance(from, to Phase) error {
	if n.phase == PhaseClosed {
		return ErrClosed
	}
	if n.phase != from || to != from+1 {
		return fmt.Errorf("%w: cannot move %s -> %s while %s", ErrInvalidPhase, from, to, n.phase)
	}
	n.phase = to
	return nil
}

// require rejects an operation attempted out of forward order
func (n *Negotiation) require(phase Phase) error {
	if n.phase == PhaseClosed {
		return ErrClosed
	}
	if n.phase != phase {
		return fmt.Errorf("%w: operation requires %s, machine is %s", ErrInvalidPhase, phase, n.phase)
	}
	return nil
}

// close releases the transport and all consumers
func (n *Negotiation) close() {
	n.phase = PhaseClosed
	n.transport = nil
	n.consumers = make(map[string]*Consumer)
}
