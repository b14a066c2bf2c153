package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kiranshivaraju/evalrunner/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ProgressSource serves cached run snapshots and live updates.
// *cache.RedisCache implements it.
type ProgressSource interface {
	RunProgress(ctx context.Context, runID uuid.UUID) (*models.ProgressEvent, bool, error)
	SubscribeProgress(ctx context.Context, runID uuid.UUID) (<-chan models.ProgressEvent, func() error, error)
}

// ProgressStream pushes a run's counter snapshots over a websocket.
type ProgressStream struct {
	runs     RunService
	progress ProgressSource
	upgrader websocket.Upgrader
}

// NewProgressStreamHandler returns an http.HandlerFunc for
// GET /api/v1/runs/{runID}/progress. The first message is the latest known
// snapshot; further messages follow every counter change. The stream ends
// after a terminal snapshot.
func NewProgressStreamHandler(runs RunService, progress ProgressSource) http.HandlerFunc {
	ps := &ProgressStream{
		runs:     runs,
		progress: progress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return ps.ServeHTTP
}

func (ps *ProgressStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owned, ok := loadOwnedRun(w, r, ps.runs)
	if !ok {
		return
	}

	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn("progress stream upgrade failed", "run_id", owned.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readUntilClosed(conn, cancel)

	log := slog.With("run_id", owned.ID)
	log.Info("progress stream opened")
	defer log.Info("progress stream closed")

	// Subscribe before reading the snapshot so no change falls in between.
	events, closeSub, err := ps.progress.SubscribeProgress(ctx, owned.ID)
	if err != nil {
		log.Error("progress subscribe failed", "error", err)
		closeWith(conn, websocket.CloseInternalServerErr, "progress unavailable")
		return
	}
	defer closeSub()

	first := ps.snapshot(ctx, owned)
	if err := writeEvent(conn, first); err != nil {
		return
	}
	if !models.IsActiveRunStatus(first.Status) {
		closeWith(conn, websocket.CloseNormalClosure, "run finished")
		return
	}

	last := first
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				closeWith(conn, websocket.CloseGoingAway, "progress feed ended")
				return
			}
			if !ev.Supersedes(last) {
				continue
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			last = ev
			if !models.IsActiveRunStatus(ev.Status) {
				closeWith(conn, websocket.CloseNormalClosure, "run finished")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// snapshot reads the run row. The cached event is used only when the row
// cannot be read and is newer than what the handler already loaded.
func (ps *ProgressStream) snapshot(ctx context.Context, owned *models.Run) models.ProgressEvent {
	latest, err := ps.runs.Get(ctx, owned.ID)
	if err == nil {
		return models.ProgressFromRun(latest, time.Now().UTC())
	}
	slog.Warn("run unavailable for progress snapshot", "run_id", owned.ID, "error", err)

	fallback := models.ProgressFromRun(owned, time.Now().UTC())
	cached, ok, err := ps.progress.RunProgress(ctx, owned.ID)
	if err != nil {
		slog.Warn("cached progress unavailable", "run_id", owned.ID, "error", err)
	}
	if ok && cached != nil && cached.Supersedes(fallback) {
		return *cached
	}
	return fallback
}

// readUntilClosed drains client frames so pongs and close frames are handled,
// and cancels the stream once the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		slog.Debug("progress write failed", "run_id", ev.RunID, "error", err)
		return err
	}
	return nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
