package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/brigadehq/brigade/pkg/models"
	"github.com/brigadehq/brigade/pkg/services"
	"github.com/brigadehq/brigade/pkg/store"
)

const (
	// helloTimeout bounds how long a fresh connection may wait before
	// authenticating.
	helloTimeout = 10 * time.Second

	// pingInterval drives server-side keepalive.
	pingInterval = 30 * time.Second
)

// Hub accepts runner WebSocket connections, authenticates them, and feeds
// their frames to the dispatcher.
type Hub struct {
	store      *store.Store
	runners    *services.RunnerService
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHub creates a hub.
func NewHub(s *store.Store, runners *services.RunnerService, dispatcher *Dispatcher) *Hub {
	return &Hub{
		store:      s,
		runners:    runners,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "fleet_hub"),
	}
}

// Accept upgrades the request and services the connection until it closes.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	h.handleConnection(r.Context(), conn)
	return nil
}

// handleConnection authenticates via the hello frame and runs the read loop.
// Blocks until the socket closes.
func (h *Hub) handleConnection(ctx context.Context, conn *websocket.Conn) {
	runner, err := h.authenticate(ctx, conn)
	if err != nil {
		h.logger.Warn("Runner authentication failed", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	if err := h.store.SetRunnerStatus(ctx, runner.ID, models.RunnerStatusOnline); err != nil {
		h.logger.Error("Failed to mark runner online", "runner_id", runner.ID, "error", err)
	}
	_ = h.store.TouchRunnerHeartbeat(ctx, runner.ID)
	h.logger.Info("Runner connected", "runner_id", runner.ID, "runner_name", runner.Name)

	sess := h.dispatcher.attach(runner, conn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.pingLoop(connCtx, sess)

	defer func() {
		h.dispatcher.detach(sess)
		// Offline only if this session is still current: a replacing
		// connection keeps the runner online.
		if !h.dispatcher.Connected(runner.ID) {
			if err := h.store.SetRunnerStatus(context.Background(), runner.ID, models.RunnerStatusOffline); err != nil {
				h.logger.Error("Failed to mark runner offline", "runner_id", runner.ID, "error", err)
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("Runner disconnected", "runner_id", runner.ID)
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn("Invalid runner frame", "runner_id", runner.ID, "error", err)
			continue
		}
		switch frame.Type {
		case framePong:
			_ = h.store.TouchRunnerHeartbeat(connCtx, runner.ID)
		case frameExecChunk, frameExecDone, frameExecError:
			_ = h.store.TouchRunnerHeartbeat(connCtx, runner.ID)
			h.dispatcher.HandleFrame(runner.ID, &frame)
		default:
			h.logger.Warn("Unexpected runner frame", "runner_id", runner.ID, "frame_type", frame.Type)
		}
	}
}

// authenticate reads the hello frame within the hello timeout and verifies
// the runner secret in constant time.
func (h *Hub) authenticate(ctx context.Context, conn *websocket.Conn) (*models.Runner, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Type != frameHello {
		return nil, errors.New("first frame must be hello")
	}
	return h.runners.Authenticate(helloCtx, frame.RunnerID, frame.Secret)
}

// pingLoop sends keepalive pings until the connection context ends.
func (h *Hub) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.send(&Frame{Type: framePing}); err != nil {
				return
			}
		}
	}
}
