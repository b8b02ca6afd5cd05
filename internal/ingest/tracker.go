// Package ingest consumes lifecycle notifications from the ingest
// protocol server and drives the transcode supervisor and the presence
// hub from them. The protocol server itself is an external collaborator;
// this package only understands its hook events.
package ingest

import (
	"sync"

	"streamcast/internal/stream"
	"streamcast/pkg/logging"
)

// Supervisor is the transcoder control surface the tracker drives
type Supervisor interface {
	Start(identity stream.Identity) error
	Stop(identity stream.Identity) error
}

// Presence is the viewer notification surface the tracker drives
type Presence interface {
	BroadcastStreamStatus(live bool, path string)
	PullClientConnected(connectionID string)
	PullClientDisconnected(connectionID string)
}

// Tracker maintains the authoritative live state in response to
// lifecycle events. Events are processed strictly in arrival order; the
// mutex serializes handling so the single-job and live-flag invariants
// hold without any reordering.
type Tracker struct {
	mu         sync.Mutex
	registry   *stream.Registry
	state      *stream.State
	supervisor Supervisor
	presence   Presence
	logger     logging.Logger
}

// NewTracker wires a tracker to its collaborators
func NewTracker(registry *stream.Registry, state *stream.State, supervisor Supervisor, presence Presence, logger logging.Logger) *Tracker {
	return &Tracker{
		registry:   registry,
		state:      state,
		supervisor: supervisor,
		presence:   presence,
		logger:     logger,
	}
}

// Handle processes one lifecycle event. It never returns an error:
// downstream failures are logged and must not surface as ingest
// protocol errors (a broken transcoder must not reject a publisher).
func (t *Tracker) Handle(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fields := logging.Fields{
		"event":         ev.Type,
		"connection_id": ev.ConnectionID,
		"stream_path":   ev.StreamPath,
	}

	switch ev.Type {
	case EventPreConnect, EventPostConnect:
		t.logger.WithFields(fields).Debug("Ingest connection event")

	case EventPrePublish:
		t.handlePublish(ev, fields)

	case EventPostPublish:
		// prePublish already applied the transition; observational only.
		t.logger.WithFields(fields).Info("Publish confirmed")

	case EventDonePublish, EventDoneConnect:
		t.handleUnpublish(ev, fields)

	case EventPrePlay:
		t.logger.WithFields(fields).Debug("Protocol pull client starting")

	case EventPostPlay:
		t.presence.PullClientConnected(ev.ConnectionID)

	case EventDonePlay:
		t.presence.PullClientDisconnected(ev.ConnectionID)

	default:
		t.logger.WithFields(fields).Warn("Ignoring unknown lifecycle event")
	}
}

func (t *Tracker) handlePublish(ev Event, fields logging.Fields) {
	identity, ok := t.registry.Resolve(ev.StreamPath)
	if !ok {
		t.logger.WithFields(fields).Warn("Publish for unconfigured stream path ignored")
		return
	}

	if !t.state.SetLive() {
		t.logger.WithFields(fields).Debug("Duplicate publish signal, already live")
		return
	}

	t.logger.WithFields(fields).Info("Stream went live")

	if err := t.supervisor.Start(identity); err != nil {
		t.logger.WithError(err).WithFields(fields).Error("Failed to start transcoder")
	}
	t.presence.BroadcastStreamStatus(true, identity.Path())
}

func (t *Tracker) handleUnpublish(ev Event, fields logging.Fields) {
	identity, ok := t.registry.Resolve(ev.StreamPath)
	if !ok {
		// doneConnect fires for every closing connection, publisher or
		// not; only a path resolving to the configured stream matters.
		t.logger.WithFields(fields).Debug("Unpublish for unconfigured stream path ignored")
		return
	}

	if !t.state.SetOffline() {
		t.logger.WithFields(fields).Debug("Unpublish signal for stream that is not live")
		return
	}

	t.logger.WithFields(fields).Info("Stream went offline")

	if err := t.supervisor.Stop(identity); err != nil {
		t.logger.WithError(err).WithFields(fields).Error("Failed to stop transcoder")
	}
	t.presence.BroadcastStreamStatus(false, identity.Path())
}
