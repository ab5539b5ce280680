package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// StatsData summarizes the Local Store for data_changed messages.
type StatsData struct {
	Counts        map[schema.Collection]int `json:"counts"`
	TasksByStatus map[string]int            `json:"tasks_by_status"`
	Offline       int                       `json:"offline"`
}

// DroppedData describes an operation dropped after exhausting its retries.
type DroppedData struct {
	OperationID string `json:"operation_id"`
	Operation   string `json:"operation"`
	Error       string `json:"error"`
}

// Handler turns orchestrator and store events into dashboard messages.
type Handler struct {
	server *Server
	db     *store.DB
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler publishing to server.
func NewHandler(server *Server, db *store.DB, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		server: server,
		db:     db,
		logger: logger.Named("dashboard"),
	}
}

// OnStatus broadcasts a status transition. It matches the signature of
// orchestrator.Orchestrator.Subscribe.
func (h *Handler) OnStatus(status orchestrator.Status) {
	msg, err := statusMessage(status)
	if err != nil {
		h.logger.Warn("failed to marshal status", zap.Error(err))
		return
	}
	h.server.Broadcast(msg)
}

// OnDropped broadcasts a dropped operation. It matches the signature of
// orchestrator.Config.OnDropped.
func (h *Handler) OnDropped(op *schema.Operation, cause error) {
	data, err := json.Marshal(DroppedData{
		OperationID: op.ID,
		Operation:   op.String(),
		Error:       cause.Error(),
	})
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeDropped, Timestamp: time.Now().UTC(), Data: data})
}

// Run broadcasts a data_changed message with fresh statistics for every
// invalidation signal until ctx is cancelled or signals is closed.
func (h *Handler) Run(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			h.OnDataChanged(ctx)
		}
	}
}

// OnDataChanged recomputes statistics and broadcasts them.
func (h *Handler) OnDataChanged(ctx context.Context) {
	stats, err := h.UpdateStats(ctx)
	if err != nil {
		h.logger.Warn("failed to compute statistics", zap.Error(err))
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	h.server.Broadcast(Message{Type: MessageTypeDataChanged, Timestamp: time.Now().UTC(), Data: data})
}

// UpdateStats recomputes statistics from the Local Store.
func (h *Handler) UpdateStats(ctx context.Context) (StatsData, error) {
	stats := StatsData{
		Counts:        make(map[schema.Collection]int, len(schema.Collections)),
		TasksByStatus: make(map[string]int),
	}
	for _, c := range schema.Collections {
		recs, err := h.db.All(ctx, c)
		if err != nil {
			return stats, err
		}
		stats.Counts[c] = len(recs)
		for _, rec := range recs {
			if rec.Meta().IsOffline {
				stats.Offline++
			}
			if task, ok := rec.(*schema.Task); ok {
				stats.TasksByStatus[task.Status]++
			}
		}
	}

	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
	return stats, nil
}

// GetStats returns the last computed statistics.
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func statusMessage(status orchestrator.Status) (Message, error) {
	data, err := json.Marshal(status)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeStatus, Timestamp: time.Now().UTC(), Data: data}, nil
}
