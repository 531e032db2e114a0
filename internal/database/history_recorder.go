package database

import (
	"context"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/flowpbx/sipconnector/internal/call"
	"github.com/flowpbx/sipconnector/internal/database/models"
)

// HistoryRecorder writes a record for every released call. It observes
// the call registry on the event loop and hands records to a writer
// goroutine so the loop never waits on the database.
type HistoryRecorder struct {
	repo   CallHistoryRepository
	queue  chan models.CallRecord
	done   chan struct{}
	logger *slog.Logger
}

var _ call.Observer = (*HistoryRecorder)(nil)

// NewHistoryRecorder creates a recorder with room for depth pending records.
func NewHistoryRecorder(repo CallHistoryRepository, depth int, logger *slog.Logger) *HistoryRecorder {
	if depth <= 0 {
		depth = 128
	}
	return &HistoryRecorder{
		repo:   repo,
		queue:  make(chan models.CallRecord, depth),
		done:   make(chan struct{}),
		logger: logger.With("component", "history"),
	}
}

func (h *HistoryRecorder) CallInitiated(*call.Call) {}
func (h *HistoryRecorder) CallFailed(*call.Call)    {}
func (h *HistoryRecorder) CallConnected(*call.Call) {}

// CallReleased queues the record of c. It is dropped if the writer has
// fallen behind.
func (h *HistoryRecorder) CallReleased(c *call.Call) {
	rec := recordOf(c)
	select {
	case h.queue <- rec:
	default:
		h.logger.Warn("history queue full, record dropped", "call_id", c.ID)
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// left and returns.
func (h *HistoryRecorder) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case rec := <-h.queue:
			h.write(rec)
		case <-ctx.Done():
			h.flush()
			return
		}
	}
}

// Done is closed when Run has returned.
func (h *HistoryRecorder) Done() <-chan struct{} { return h.done }

func (h *HistoryRecorder) flush() {
	for {
		select {
		case rec := <-h.queue:
			h.write(rec)
		default:
			return
		}
	}
}

// write uses its own deadline so records queued before shutdown still land.
func (h *HistoryRecorder) write(rec models.CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.repo.Create(ctx, &rec); err != nil {
		h.logger.Error("failed to write call record", "call_id", rec.CallID, "error", err)
	}
}

func recordOf(c *call.Call) models.CallRecord {
	rec := models.CallRecord{
		CallID:    c.ID,
		Origin:    c.Origin.String(),
		Source:    c.Source,
		Dest:      c.Dest,
		StartTime: c.CreatedAt,
		EndTime:   c.ReleasedAt,
		Cause:     c.Cause,
	}
	if rec.EndTime.IsZero() {
		rec.EndTime = time.Now()
	}
	if len(c.GCR) > 0 {
		rec.GCR = hex.EncodeToString(c.GCR)
	}

	switch {
	case c.Failed:
		rec.Disposition = models.DispositionFailed
	case !c.ConnectedAt.IsZero():
		rec.Disposition = models.DispositionAnswered
	default:
		rec.Disposition = models.DispositionNoAnswer
	}
	if !c.ConnectedAt.IsZero() {
		answered := c.ConnectedAt
		rec.AnswerTime = &answered
		d := int(rec.EndTime.Sub(answered).Seconds())
		rec.Duration = &d
	}
	return rec
}
