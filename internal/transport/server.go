package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmbus/swarmbus/internal/store"
)

// Bus is the orchestrator surface the transport drives. Implemented by
// internal/bus; declared here so the dependency points inward.
type Bus interface {
	Ingest(ctx context.Context, channel, sender, content string) (store.Message, error)
	History(ctx context.Context, channel string, since uint64, limit int) (store.HistoryResult, error)
	Join(ctx context.Context, channel, identity string)
	AgentConnected(ctx context.Context, identity string)
	AgentDisconnected(identity string)
	Despawn(ctx context.Context, identity string)
	EmergencyHalt(ctx context.Context, sender, reason string)
	Status() map[string]any
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const readTimeout = 120 * time.Second

// Server is the bus's network surface: one WebSocket endpoint per agent
// identity plus a small HTTP API for CLI and monitoring collaborators.
type Server struct {
	port   int
	apiKey string
	hub    *Hub
	bus    Bus

	mux *http.ServeMux
	srv *http.Server
}

// ServerConfig configures the transport Server.
type ServerConfig struct {
	Port   int
	APIKey string
}

// NewServer wires the HTTP routes and connects hub disconnects to the bus.
func NewServer(cfg ServerConfig, hub *Hub, bus Bus) *Server {
	s := &Server{
		port:   cfg.Port,
		apiKey: cfg.APIKey,
		hub:    hub,
		bus:    bus,
		mux:    http.NewServeMux(),
	}

	hub.OnDisconnect = bus.AgentDisconnected

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws/", s.handleWS)
	s.mux.HandleFunc("/api/send", s.withAuth(s.handleSend))
	s.mux.HandleFunc("/api/history", s.withAuth(s.handleHistory))
	s.mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/api/halt", s.withAuth(s.handleHalt))
	s.mux.HandleFunc("/api/despawn", s.withAuth(s.handleDespawn))

	return s
}

// Handler exposes the route table, mainly for httptest in package tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.port),
		Handler: s.mux,
	}

	log.Printf("[Transport] HTTP API → http://0.0.0.0:%d", s.port)
	log.Printf("[Transport] WebSocket → ws://0.0.0.0:%d/ws/{identity}", s.port)

	go func() {
		<-ctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.apiKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// handleWS upgrades an agent connection. The identity is the URL path after
// /ws/; inbound frames are messages, history requests, or channel joins.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/"), "/")
	if identity == "" {
		http.Error(w, "identity required", http.StatusBadRequest)
		return
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Transport] upgrade failed for %s: %v", identity, err)
		return
	}

	conn := s.hub.Bind(identity, raw)
	log.Printf("[Transport] %s connected", identity)

	s.bus.AgentConnected(r.Context(), identity)

	raw.SetReadDeadline(time.Now().Add(readTimeout))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	defer func() {
		s.hub.Unbind(conn)
		log.Printf("[Transport] %s disconnected", identity)
	}()

	for {
		_, payload, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Transport] read from %s: %v", identity, err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(readTimeout))

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.hub.Send(identity, Envelope{Type: "system", Error: "malformed frame"})
			continue
		}
		s.dispatchFrame(r.Context(), identity, frame)
	}
}

func (s *Server) dispatchFrame(ctx context.Context, identity string, frame Frame) {
	if frame.Channel == "" {
		s.hub.Send(identity, Envelope{Type: "system", Error: "channel required"})
		return
	}

	switch frame.Type {
	case "", "msg":
		if _, err := s.bus.Ingest(ctx, frame.Channel, identity, frame.Content); err != nil {
			s.hub.Send(identity, Envelope{Type: "system", Error: err.Error()})
		}
	case "history":
		result, err := s.bus.History(ctx, frame.Channel, frame.Since, frame.Limit)
		if err != nil {
			s.hub.Send(identity, Envelope{Type: "system", Error: err.Error()})
			return
		}
		s.hub.Send(identity, Envelope{
			Type:      "catchup",
			Messages:  result.Messages,
			Truncated: result.Truncated,
		})
	case "subscribe":
		s.bus.Join(ctx, frame.Channel, identity)
	default:
		s.hub.Send(identity, Envelope{Type: "system", Error: "unknown frame type " + frame.Type})
	}
}

// --- HTTP API ---

type sendRequest struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Channel == "" || req.Sender == "" {
		writeJSONError(w, "channel and sender are required", http.StatusBadRequest)
		return
	}

	msg, err := s.bus.Ingest(r.Context(), req.Channel, req.Sender, req.Content)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		writeJSONError(w, "channel is required", http.StatusBadRequest)
		return
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := s.bus.History(r.Context(), channel, since, limit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{
		"channel":   channel,
		"messages":  result.Messages,
		"truncated": result.Truncated,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.bus.Status()
	status["connections"] = s.hub.Identities()
	writeJSON(w, status)
}

type haltRequest struct {
	Sender string `json:"sender"`
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		req.Sender = "operator"
	}
	s.bus.EmergencyHalt(r.Context(), req.Sender, req.Reason)
	writeJSON(w, map[string]any{"halted": true})
}

type despawnRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleDespawn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req despawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		writeJSONError(w, "identity is required", http.StatusBadRequest)
		return
	}
	s.bus.Despawn(r.Context(), req.Identity)
	writeJSON(w, map[string]any{"despawned": req.Identity})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
