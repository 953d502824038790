// Package server exposes the observer websocket endpoint and the HTTP
// surface for approvals and diff review.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bazelment/agentdeck/session"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 50 * time.Second

	// Close codes distinguishing a malformed session ID from an unknown one.
	closeMalformedSession = 4400
	closeUnknownSession   = 4404
)

// Server hosts the observer protocol and the out-of-band approval/diff
// endpoints.
type Server struct {
	coord     *session.Coordinator
	approvals *session.InMemoryApprovals
	diffs     session.DiffStore
	logger    zerolog.Logger
	router    chi.Router
	httpSrv   *http.Server
	upgrader  websocket.Upgrader
}

// New builds the server and its routes.
func New(addr string, coord *session.Coordinator, approvals *session.InMemoryApprovals, diffs session.DiffStore, logger zerolog.Logger) *Server {
	s := &Server{
		coord:     coord,
		approvals: approvals,
		diffs:     diffs,
		logger:    logger.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws/{sessionID}", s.handleObserver)
	r.Post("/api/approvals/{invocationID}", s.handleApproval)
	r.Post("/api/diffs/{diffID}/status", s.handleDiffStatus)
	s.router = r

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleObserver upgrades the connection and bridges it to the coordinator:
// one goroutine pumps coordinator messages out, the read loop feeds client
// messages in. A malformed session ID and an unknown session close the
// connection with distinct reasons.
func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	if _, parseErr := uuid.Parse(sessionID); parseErr != nil {
		s.closeWith(conn, closeMalformedSession, "malformed session id")
		return
	}

	observerID := uuid.NewString()
	ch, err := s.coord.Attach(r.Context(), sessionID, observerID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.closeWith(conn, closeUnknownSession, "unknown session")
			return
		}
		s.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer s.coord.Detach(sessionID, observerID)

	done := make(chan struct{})
	go s.writePump(conn, ch, done)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg session.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Protocol violation: answer this connection, keep it open.
			s.sendError(conn, "bad_message", "malformed client message")
			continue
		}
		if err := s.coord.HandleClientMessage(r.Context(), sessionID, msg); err != nil {
			s.sendError(conn, "request_failed", err.Error())
		}
	}
	close(done)
}

// writePump serializes coordinator messages onto the socket and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, ch <-chan session.ServerMessage, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"),
					time.Now().Add(writeTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) sendError(conn *websocket.Conn, code, message string) {
	payload, _ := json.Marshal(session.ErrorPayload{Code: code, Message: message})
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(session.ServerMessage{Kind: session.ServerError, Payload: payload})
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout))
}

type approvalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// handleApproval resolves a pending tool approval out of band.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	invocationID := chi.URLParam(r, "invocationID")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := s.approvals.Resolve(invocationID, req.Approved, req.Reason); err != nil {
		if errors.Is(err, session.ErrUnknownApproval) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type diffStatusRequest struct {
	Status session.DiffStatus `json:"status"`
}

// handleDiffStatus records the review outcome for an extracted diff.
func (s *Server) handleDiffStatus(w http.ResponseWriter, r *http.Request) {
	diffID := chi.URLParam(r, "diffID")

	var req diffStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case session.DiffApproved, session.DiffRejected, session.DiffApplied:
	default:
		http.Error(w, fmt.Sprintf("invalid status %q", req.Status), http.StatusBadRequest)
		return
	}

	if err := s.diffs.UpdateStatus(r.Context(), diffID, req.Status); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
