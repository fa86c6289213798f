// Package audit emits structured audit events for corrective actions taken
// by the position monitor and notable ingest outcomes. Persistence is an
// external collaborator: subscribers receive events over channels, and the
// recorder never blocks on a slow subscriber.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies audit events.
type Kind string

const (
	KindStopAdjusted   Kind = "stop.adjusted"
	KindPositionClosed Kind = "position.closed"
	KindCommandFailed  Kind = "command.failed"
	KindCycleSkipped   Kind = "cycle.skipped"
	KindTradeSync      Kind = "trade.sync_requested"
)

// Event is one audit trail entry.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Time       time.Time         `json:"time"`
	Kind       Kind              `json:"kind"`
	AccountID  string            `json:"account_id"`
	PositionID string            `json:"position_id,omitempty"`
	Rule       string            `json:"rule,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Recorder fans audit events out to subscribers and the structured log.
type Recorder struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs []chan Event

	now func() time.Time
}

// NewRecorder creates a Recorder that logs every event through logger.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

// Subscribe registers a new subscriber channel with the given buffer size.
// Events are dropped for a subscriber whose buffer is full.
func (r *Recorder) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

// Record stamps and dispatches the event. Never blocks.
func (r *Recorder) Record(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	fields := []zap.Field{
		zap.String("audit_id", ev.ID.String()),
		zap.String("kind", string(ev.Kind)),
		zap.String("account_id", ev.AccountID),
	}
	if ev.PositionID != "" {
		fields = append(fields, zap.String("position_id", ev.PositionID))
	}
	if ev.Rule != "" {
		fields = append(fields, zap.String("rule", ev.Rule))
	}
	for k, v := range ev.Detail {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Info("audit event", fields...)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
