package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"LexTrack/internal/task"
)

// handleSubmit handles POST /tasks
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req task.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id := s.CreateTask(req.Type, req.Input)
	writeJSON(w, http.StatusCreated, task.SubmitResponse{TaskID: id})
}

// handleTask handles GET /tasks/{id}, upgrading to the push channel when
// the client asks for a WebSocket.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if websocket.IsWebSocketUpgrade(r) {
		s.servePush(w, r, id)
		return
	}

	snap, ok := s.Task(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.Task(id); !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "task_id", id, "error", err)
		return
	}

	sub := &subscriber{conn: conn}
	snap, ok := s.subscribe(id, sub)
	if !ok {
		_ = conn.Close()
		return
	}
	defer s.unsubscribe(id, sub)
	s.logger.Debug("push subscriber joined", "task_id", id)

	if err := sub.write(task.FrameFor(snap)); err != nil {
		return
	}

	for {
		var msg task.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("push subscriber lost", "task_id", id, "error", err)
			}
			return
		}
		if msg.Type == task.MessagePing {
			if err := sub.write(task.ServerMessage{Type: task.MessagePong}); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// tokenAuth accepts the token as a Bearer header or, for browsers that cannot
// set headers on a WebSocket handshake, as a token query parameter.
func tokenAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+token && r.URL.Query().Get("token") != token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
