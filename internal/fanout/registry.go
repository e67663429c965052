package fanout

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apaku/tracetool/internal/metrics"
	"github.com/apaku/tracetool/pkg/types"
)

// Subscriber receives already-encoded frames destined for one GUI
// connection. The connection server implements this by writing each frame
// directly to the socket; there is no per-GUI send queue, so Send blocks
// the broadcaster for as long as the socket write takes. Backpressure is
// applied at the socket level, not inside the registry.
type Subscriber interface {
	Send(encoded []byte) error
}

// Registry is the store worker's sole handle onto every connected GUI.
// GUIs are identified by an opaque uuid handle rather than a pointer or
// file descriptor (REDESIGN FLAG "deep object graphs and shared
// ownership"): the registry, not the connection task, is the only thing
// that needs to resolve a handle back to a live subscriber.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]Subscriber
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{subscribers: make(map[uuid.UUID]Subscriber), logger: logger}
}

// SetMetrics attaches the Prometheus metrics updated on (un)registration
// and broadcast failures. Passing nil disables metrics recording.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Register adds a subscriber and returns its opaque handle.
func (r *Registry) Register(s Subscriber) uuid.UUID {
	handle := uuid.New()
	r.mu.Lock()
	r.subscribers[handle] = s
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.GUIConnectionsCurrent.Inc()
	}
	return handle
}

// Unregister removes a subscriber, called on GUI disconnect.
func (r *Registry) Unregister(handle uuid.UUID) {
	r.mu.Lock()
	_, existed := r.subscribers[handle]
	delete(r.subscribers, handle)
	r.mu.Unlock()
	if existed && r.metrics != nil {
		r.metrics.GUIConnectionsCurrent.Dec()
	}
}

// Count returns the number of currently registered GUIs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Broadcast encodes frame once and enqueues it on every connected GUI,
// per spec.md §4.6's "serialized once ... enqueued on every connected
// GUI". A Send failure on one subscriber is logged and does not affect
// delivery to the others.
func (r *Registry) Broadcast(frame Frame) error {
	encoded, err := Encode(frame)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for handle, s := range r.subscribers {
		if err := s.Send(encoded); err != nil {
			if r.logger != nil {
				r.logger.WithFields(logrus.Fields{
					"component": "fanout",
					"handle":    handle.String(),
				}).WithError(err).Warn("failed to enqueue frame for GUI")
			}
			if r.metrics != nil {
				r.metrics.BroadcastFailuresTotal.WithLabelValues(datagramTypeLabel(frame.Type)).Inc()
			}
		}
	}
	return nil
}

func datagramTypeLabel(t DatagramType) string {
	switch t {
	case TraceEntryDatagram:
		return "trace_entry"
	case ProcessShutdownEventDatagram:
		return "process_shutdown_event"
	case TraceFileNameDatagram:
		return "trace_file_name"
	case DatabaseNukeFinishedDatagram:
		return "database_nuke_finished"
	case DatabaseNukeDatagram:
		return "database_nuke"
	default:
		return "unknown"
	}
}

// SendTo enqueues frame on exactly one subscriber, used for the
// connect-time TraceFileNameDatagram which is never broadcast.
func (r *Registry) SendTo(handle uuid.UUID, frame Frame) error {
	encoded, err := Encode(frame)
	if err != nil {
		return err
	}

	r.mu.RLock()
	s, ok := r.subscribers[handle]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return s.Send(encoded)
}

// BroadcastTraceEntry encodes and broadcasts one TraceEntry.
func (r *Registry) BroadcastTraceEntry(e *types.TraceEntry) error {
	payload, err := EncodeTraceEntry(e)
	if err != nil {
		return err
	}
	return r.Broadcast(Frame{Type: TraceEntryDatagram, Payload: payload})
}

// BroadcastShutdownEvent encodes and broadcasts one ProcessShutdownEvent.
func (r *Registry) BroadcastShutdownEvent(e *types.ProcessShutdownEvent) error {
	payload, err := EncodeShutdownEvent(e)
	if err != nil {
		return err
	}
	return r.Broadcast(Frame{Type: ProcessShutdownEventDatagram, Payload: payload})
}

// BroadcastNukeFinished broadcasts the empty-payload completion notice.
// Callers must invoke this only after the prune/delete transaction that
// nuke_database or the archiver's prune phase performs has committed, so
// that the ordering guarantee in spec.md §5 holds: every GUI observes it
// strictly between the last pre-archival entry and the first
// post-archival one.
func (r *Registry) BroadcastNukeFinished() error {
	return r.Broadcast(Frame{Type: DatabaseNukeFinishedDatagram})
}
