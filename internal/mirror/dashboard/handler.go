package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/treesync/treesync/internal/metrics"
	"github.com/treesync/treesync/internal/mirror/db"
	"github.com/treesync/treesync/internal/mirror/schema"
	mirrorsync "github.com/treesync/treesync/internal/mirror/sync"
)

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	ProjectID int64                  `json:"project_id"`
	Project   string                 `json:"project"`
	Result    *mirrorsync.SyncResult `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Handler turns coordinator and queue activity into dashboard messages and
// metrics. It bridges between the daemon and the WebSocket server.
type Handler struct {
	server *Server
	db     *db.DB
	logger *log.Logger

	mu        sync.Mutex
	stats     schema.QueueCounts
	haveStats bool
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, database *db.DB, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	return &Handler{
		server: server,
		db:     database,
		logger: logger,
	}
}

// OnSyncComplete handles sync completion events. Its signature matches the
// coordinator's OnSyncComplete hook.
func (h *Handler) OnSyncComplete(project *schema.Project, result *mirrorsync.SyncResult, err error) {
	metrics.RecordSync(project.Name, result, err)

	data := SyncCompleteData{
		ProjectID: project.ID,
		Project:   project.Name,
		Result:    result,
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.send(MessageTypeSyncComplete, data)

	if result != nil && result.Changed() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.RefreshQueueStats(ctx); err != nil {
			h.logger.Printf("Failed to refresh queue stats: %v", err)
		}
	}
}

// OnIndexed handles a processed queue entry. Its signature matches the worker
// pool's OnProcessed hook.
func (h *Handler) OnIndexed(entry *schema.QueueEntry, elapsed time.Duration, err error) {
	metrics.RecordIndexed(elapsed, err)
}

// RefreshQueueStats reads queue counts and broadcasts them if they changed
// since the last broadcast.
func (h *Handler) RefreshQueueStats(ctx context.Context) error {
	counts, err := h.db.Counts(ctx, nil)
	if err != nil {
		return err
	}
	metrics.SetQueueCounts(counts)

	h.mu.Lock()
	changed := !h.haveStats || counts != h.stats
	h.stats, h.haveStats = counts, true
	h.mu.Unlock()

	if changed {
		h.send(MessageTypeQueueStats, counts)
	}
	return nil
}

// WatchQueue refreshes queue statistics every interval until ctx is cancelled.
func (h *Handler) WatchQueue(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.RefreshQueueStats(ctx); err != nil && ctx.Err() == nil {
			h.logger.Printf("Failed to refresh queue stats: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetStats returns the most recently read queue counts
func (h *Handler) GetStats() schema.QueueCounts {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) send(typ MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}
