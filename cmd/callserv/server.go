package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/callfiles/internal/config"
	"github.com/sheerbytes/callfiles/internal/peers"
	"github.com/sheerbytes/callfiles/internal/session"
	"github.com/sheerbytes/callfiles/pkg/protocol"
)

const (
	serverPeerID  = "server"
	pingInterval  = 30 * time.Second
	idleTimeout   = 90 * time.Second
	writeTimeout  = 10 * time.Second
	cleanupPeriod = time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // participants are native clients, not browsers
	},
}

// server relays app messages between the participants of a room.
type server struct {
	cfg    config.ServerConfig
	store  *session.Store
	hub    *peers.Hub
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newServer(cfg config.ServerConfig, logger *slog.Logger) *server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	return &server{
		cfg:    cfg,
		store:  session.NewStore(cfg.SessionTTL),
		hub:    peers.NewHub(),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.store.Create()
	resp := map[string]string{
		"session_id": sess.ID,
		"join_code":  sess.JoinCode,
	}
	if !sess.ExpiresAt.IsZero() {
		resp["expires_at"] = sess.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
	s.logger.Info("session created", "session_id", sess.ID, "join_code", sess.JoinCode)
}

// cleanup closes the rooms whose TTL elapsed.
func (s *server) cleanup(now time.Time) int {
	removed := s.store.CleanupExpired(now)
	for _, id := range removed {
		s.hub.CloseSession(id)
		s.logger.Info("session expired", "session_id", id)
	}
	return len(removed)
}

// closeAll drops every websocket connection.
func (s *server) closeAll() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
}

func (s *server) track(c *websocket.Conn) func() {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	joinCode := r.URL.Query().Get("join_code")
	peerID := strings.TrimSpace(r.URL.Query().Get("peer_id"))
	name := r.URL.Query().Get("name")

	if joinCode == "" {
		sendError(w, http.StatusBadRequest, "missing join_code")
		return
	}
	sess, err := s.store.GetByJoinCode(joinCode)
	if err != nil {
		sendError(w, http.StatusNotFound, "invalid or expired join_code")
		return
	}
	if peerID == "" {
		sendError(w, http.StatusBadRequest, "missing peer_id")
		return
	}
	if peerID == serverPeerID || peerID == protocol.Broadcast {
		sendError(w, http.StatusBadRequest, "reserved peer_id")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer s.track(conn)()

	conn.SetReadLimit(int64(s.cfg.MaxMessageBytes))
	_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	var writeMu sync.Mutex
	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}

	connID := uuid.NewString()
	log := s.logger.With("session_id", sess.ID, "peer_id", peerID)
	removePeer := s.hub.Add(sess.ID, peers.Peer{PeerID: peerID, Name: name, ConnID: connID}, sendFunc, func() { _ = conn.Close() })

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	log.Info("peer connected", "conn_id", connID)

	list := protocol.PeerList{Self: peerID, Peers: s.hub.List(sess.ID)}
	if !s.hub.SendTo(sess.ID, peerID, s.serverEnvelope(sess.ID, protocol.TypePeerList, "", list)) {
		return
	}
	s.hub.BroadcastExcept(sess.ID, peerID, s.serverEnvelope(sess.ID, protocol.TypePeerJoined, "",
		protocol.PeerJoined{Peer: protocol.PeerInfo{PeerID: peerID, Name: name}}))

	defer func() {
		if !removePeer() {
			// replaced by a newer connection with the same peer_id, or the room expired
			log.Info("peer connection dropped", "conn_id", connID)
			return
		}
		s.hub.Broadcast(sess.ID, s.serverEnvelope(sess.ID, protocol.TypePeerLeft, "", protocol.PeerLeft{PeerID: peerID}))
		log.Info("peer disconnected", "conn_id", connID)
	}()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if s.cfg.MsgRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MsgRatePerSec), s.cfg.MsgBurst)
	}
	s.readLoop(conn, sess.ID, peerID, limiter, log)
}

func (s *server) readLoop(conn *websocket.Conn, sessionID, peerID string, limiter *rate.Limiter, log *slog.Logger) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.Info("websocket idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				log.Warn("message too large", "max", s.cfg.MaxMessageBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				log.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			log.Warn("message rate limit exceeded")
			s.hub.SendTo(sessionID, peerID, s.serverEnvelope(sessionID, protocol.TypeError, peerID,
				protocol.Error{Code: "rate_limited", Message: "message rate limit exceeded"}))
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			log.Warn("invalid envelope", "error", err)
			continue
		}
		if env.Type != protocol.TypeAppMessage {
			log.Debug("ignoring client envelope", "type", env.Type)
			continue
		}
		s.route(sessionID, peerID, env, log)
	}
}

// route forwards an app message to one participant or to everyone but the sender.
// The server overrides from and session_id.
func (s *server) route(sessionID, peerID string, env protocol.Envelope, log *slog.Logger) {
	env.From = peerID
	env.SessionID = sessionID

	if env.To == "" || env.To == protocol.Broadcast {
		env.To = protocol.Broadcast
		s.hub.BroadcastExcept(sessionID, peerID, env)
		return
	}
	if !s.hub.SendTo(sessionID, env.To, env) {
		log.Warn("peer not found for targeted send", "to", env.To)
		s.hub.SendTo(sessionID, peerID, s.serverEnvelope(sessionID, protocol.TypeError, peerID,
			protocol.Error{Code: "peer_not_found", Message: "target peer not found: " + env.To}))
	}
}

func (s *server) serverEnvelope(sessionID, msgType, to string, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		// payloads are fixed server structs
		s.logger.Error("failed to create envelope", "type", msgType, "error", err)
	}
	env.SessionID = sessionID
	env.From = serverPeerID
	env.To = to
	return env
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
