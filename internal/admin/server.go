// Package admin exposes the control surface over a unix domain socket:
// trigger a cycle, inspect sync status, remove a tracked chat. The socket
// lives in the daemon's state directory, so filesystem permissions are the
// access control.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/andrecp/telemirror/internal/checkpoint"
	"github.com/andrecp/telemirror/internal/crawl"
	"github.com/andrecp/telemirror/internal/listener"
	"github.com/andrecp/telemirror/internal/status"
	"github.com/andrecp/telemirror/internal/store"
)

// Server is the admin HTTP server.
type Server struct {
	db        *store.DB
	ckpt      *checkpoint.Manager
	engine    *crawl.Engine
	scheduler *crawl.Scheduler
	listener  *listener.Listener
	machine   *status.Machine
	logger    *zap.Logger

	socketPath string
	httpSrv    *http.Server
}

// NewServer creates an admin server that will listen on socketPath.
func NewServer(db *store.DB, ckpt *checkpoint.Manager, engine *crawl.Engine, scheduler *crawl.Scheduler, l *listener.Listener, machine *status.Machine, socketPath string, logger *zap.Logger) *Server {
	return &Server{
		db:         db,
		ckpt:       ckpt,
		engine:     engine,
		scheduler:  scheduler,
		listener:   l,
		machine:    machine,
		logger:     logger,
		socketPath: socketPath,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/cycle", s.handleTriggerCycle)
	r.Get("/v1/chats", s.handleListChats)
	r.Get("/v1/chats/{id}", s.handleChatStatus)
	r.Delete("/v1/chats/{id}", s.handleRemoveChat)

	return r
}

// Start begins serving on the unix socket. A stale socket file from a
// crashed run is removed first; the flock already guarantees single
// ownership.
func (s *Server) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.httpSrv = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", zap.Error(err))
		}
	}()
	s.logger.Info("admin server listening", zap.String("socket", s.socketPath))
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
	return err
}

// StatusResponse is the daemon-wide status payload.
type StatusResponse struct {
	State            status.State `json:"state"`
	LastCycle        *CycleView   `json:"last_cycle,omitempty"`
	PendingDeletions int          `json:"pending_deletions"`
	Time             time.Time    `json:"time"`
}

// CycleView summarizes the most recent crawl cycle.
type CycleView struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ChatsSynced int       `json:"chats_synced"`
	ChatsFailed int       `json:"chats_failed"`
	NewMessages int       `json:"new_messages"`
}

// ChatView is the per-chat status payload.
type ChatView struct {
	ID           int64  `json:"id"`
	Kind         string `json:"kind"`
	Title        string `json:"title"`
	SyncStatus   string `json:"sync_status"`
	LastError    string `json:"last_error,omitempty"`
	LastBackupAt int64  `json:"last_backup_at"`
	Cursor       int64  `json:"cursor"`
	Messages     int64  `json:"messages"`
	Media        int64  `json:"media"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:            s.machine.Current(),
		PendingDeletions: s.listener.PendingDeletions(),
		Time:             time.Now(),
	}
	if info := s.engine.LastCycle(); info.RunID != "" {
		resp.LastCycle = &CycleView{
			RunID:       info.RunID,
			StartedAt:   info.StartedAt,
			FinishedAt:  info.FinishedAt,
			ChatsSynced: info.ChatsSynced,
			ChatsFailed: info.ChatsFailed,
			NewMessages: info.NewMessages,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	s.scheduler.TriggerNow()
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.db.ListChats()
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]ChatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, ChatView{
			ID:           c.ID,
			Kind:         c.Kind,
			Title:        c.Title,
			SyncStatus:   c.SyncStatus,
			LastError:    c.LastError,
			LastBackupAt: c.LastBackupAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": views})
}

func (s *Server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatID(w, r)
	if !ok {
		return
	}
	c, err := s.db.GetChat(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chat"})
		return
	}
	st, err := s.ckpt.ReadState(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	stats, err := s.db.GetChatStats(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChatView{
		ID:           c.ID,
		Kind:         c.Kind,
		Title:        c.Title,
		SyncStatus:   c.SyncStatus,
		LastError:    c.LastError,
		LastBackupAt: c.LastBackupAt,
		Cursor:       st.Cursor,
		Messages:     stats.Messages,
		Media:        stats.Media,
	})
}

func (s *Server) handleRemoveChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.chatID(w, r)
	if !ok {
		return
	}
	c, err := s.db.GetChat(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown chat"})
		return
	}
	if err := s.engine.RemoveChat(id); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("chat removed via admin", zap.Int64("chat_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid chat id"})
		return 0, false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("admin request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
