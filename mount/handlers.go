package mount

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ghyeongl/lazytree/gitlock"
	"github.com/ghyeongl/lazytree/logging"
)

type handlers struct {
	m *Mount
}

func newRouter(m *Mount) http.Handler {
	h := &handlers{m: m}
	r := mux.NewRouter()
	r.HandleFunc("/lock/acquire", h.handleAcquire).Methods(http.MethodPost)
	r.HandleFunc("/lock/release", h.handleRelease).Methods(http.MethodPost)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/background/wait", h.handleWait).Methods(http.MethodPost)
	r.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// lockIfReady returns the git lock, or nil while the mount is not Ready.
func (h *handlers) lockIfReady() *gitlock.Lock {
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	if h.m.state != Ready {
		return nil
	}
	return h.m.lock
}

// handleAcquire handles POST /lock/acquire.
func (h *handlers) handleAcquire(w http.ResponseWriter, r *http.Request) {
	l := logging.Sub("ipc")
	var req gitlock.LockHolder
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		l.Warn("acquire: bad body", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lock := h.lockIfReady()
	if lock == nil {
		l.Debug("acquire before mount ready", "pid", req.PID)
		writeJSON(w, AcquireResponse{Result: ResultMountNotReady, Message: "Waiting for mount to complete"})
		return
	}

	if req.CheckAvailabilityOnly {
		available, holder := lock.IsAvailableForExternal(r.Context())
		resp := AcquireResponse{Result: ResultAvailable, ExistingHolder: holder}
		if !available {
			resp.Result = ResultUnavailable
			resp.Message = gitlock.WaitingMessage(holder)
		}
		writeJSON(w, resp)
		return
	}

	ok, holder := lock.TryAcquireForExternal(r.Context(), req)
	if ok {
		l.Info("lock accepted", "pid", req.PID, "command", req.ParsedCommand, "session", req.GitCommandSessionID)
		writeJSON(w, AcquireResponse{Result: ResultAccepted})
		return
	}
	l.Info("lock denied", "pid", req.PID, "command", req.ParsedCommand, "status", lock.Status())
	writeJSON(w, AcquireResponse{
		Result:         ResultDenied,
		ExistingHolder: holder,
		Message:        gitlock.WaitingMessage(holder),
	})
}

// handleRelease handles POST /lock/release.
func (h *handlers) handleRelease(w http.ResponseWriter, r *http.Request) {
	l := logging.Sub("ipc")
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		l.Warn("release: bad body", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lock := h.lockIfReady()
	if lock == nil || !lock.ReleaseHeldByExternal(req.PID) {
		l.Warn("release by non-holder", "pid", req.PID)
		writeJSON(w, ReleaseResponse{Result: ResultNotHolder})
		return
	}
	l.Info("lock released", "pid", req.PID)
	writeJSON(w, ReleaseResponse{Result: ResultSuccess})
}

// handleStatus handles GET /status.
func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.m.mu.RLock()
	resp := StatusResponse{
		MountID:      h.m.id,
		Enlistment:   h.m.enl.Root,
		State:        h.m.state,
		LogDir:       logging.Dir(),
		StartedAt:    h.m.startedAt,
		RecentErrors: logging.RecentErrors(),
	}
	if h.m.failure != nil {
		resp.Error = h.m.failure.Error()
	}
	lock, queue, worker, feed := h.m.lock, h.m.queue, h.m.worker, h.m.feed
	h.m.mu.RUnlock()

	if lock != nil {
		resp.LockStatus = lock.Status()
	}
	if queue != nil {
		resp.QueueLen = queue.Len()
	}
	if worker != nil {
		st := worker.Status()
		resp.Worker = &st
	}
	if feed != nil {
		resp.ModifiedPaths = feed.Len()
	}
	writeJSON(w, resp)
}

// handleWait handles POST /background/wait. It returns once the queue is
// empty or the client goes away.
func (h *handlers) handleWait(w http.ResponseWriter, r *http.Request) {
	h.m.mu.RLock()
	queue, state := h.m.queue, h.m.state
	h.m.mu.RUnlock()

	if state != Ready || queue == nil {
		http.Error(w, "mount not ready", http.StatusServiceUnavailable)
		return
	}
	if err := queue.WaitEmpty(r.Context()); err != nil {
		writeJSON(w, WaitResponse{Remaining: queue.Len()})
		return
	}
	writeJSON(w, WaitResponse{Remaining: 0})
}

const eventPingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{}

// handleEvents handles GET /events: a websocket carrying every queue event
// as JSON until either side closes or the mount shuts down.
func (h *handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	l := logging.Sub("ipc")
	h.m.mu.RLock()
	queue, state := h.m.queue, h.m.state
	h.m.mu.RUnlock()

	if state != Ready || queue == nil {
		http.Error(w, "mount not ready", http.StatusServiceUnavailable)
		return
	}

	// Subscribe before the handshake completes so the client sees every
	// event published after it connects.
	ch := queue.Events().Subscribe()
	defer queue.Events().Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("events: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Hijacked connections outlive r.Context(); a read error is how a
	// client disconnect shows up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-h.m.closing:
			conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "unmounting"), time.Now().Add(time.Second))
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				l.Debug("events: write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
