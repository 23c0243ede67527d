// Package statusfeed serves the UI feed: a WebSocket that pushes client state
// and scan results and accepts scan requests, next to the HTTP health
// endpoints.
package statusfeed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jack-braga/kitchen-sync/internal/scan"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10

	// maxMessage bounds inbound messages; uploads arrive base64 encoded
	maxMessage = 32 << 20
)

// Message is one feed event
type Message struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// request is what the UI sends
type request struct {
	Type       string           `json:"type"`
	ScanID     string           `json:"scan_id,omitempty"`
	Selections []scan.Selection `json:"selections,omitempty"`
	Image      string           `json:"image,omitempty"`
}

// Callbacks connect the feed to the service. Nil callbacks answer with an
// error message.
type Callbacks struct {
	// Snapshot is sent to every client on connect
	Snapshot func() any
	// Status backs /status
	Status func() map[string]any
	// Ready backs /readiness
	Ready func() (bool, any)

	OnScan         func(ctx context.Context) (any, error)
	OnUpload       func(ctx context.Context, image io.Reader) (any, error)
	OnConfirm      func(ctx context.Context, scanID string, selections []scan.Selection) (int, error)
	OnDismiss      func() error
	OnSwitchCamera func(ctx context.Context) error
}

// Server is the feed server
type Server struct {
	port      int
	callbacks Callbacks
	upgrader  websocket.Upgrader
	messages  chan Message
	started   time.Time

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
	dropped uint64
}

// New creates a server
func New(port int, callbacks Callbacks) *Server {
	return &Server{
		port:      port,
		callbacks: callbacks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		messages: make(chan Message, 64),
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		started:  time.Now(),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	go s.broadcast(ctx)

	slog.Info("statusfeed: listening",
		"port", s.port,
		"endpoints", []string{"/ws", "/health", "/readiness", "/status"})

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("statusfeed: %w", err)
	}
	return nil
}

// Publish queues a message for every connected client. It never blocks: a
// message that does not fit in the queue is dropped.
func (s *Server) Publish(typ string, data any) {
	select {
	case s.messages <- Message{Type: typ, Data: data}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		slog.Debug("statusfeed: queue full, dropping message", "type", typ)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("statusfeed: upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = writeMu
	s.mu.Unlock()
	slog.Debug("statusfeed: client connected", "remote", r.RemoteAddr)

	if s.callbacks.Snapshot != nil {
		_ = s.writeJSON(conn, writeMu, Message{Type: "state", Data: s.callbacks.Snapshot()})
	}

	go s.serveClient(conn, writeMu)
}

func (s *Server) serveClient(conn *websocket.Conn, writeMu *sync.Mutex) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer close(done)
	defer s.removeClient(conn)

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = s.writeJSON(conn, writeMu, Message{Type: "error", Error: "invalid JSON"})
			continue
		}
		reply := s.handleRequest(context.Background(), req)
		_ = s.writeJSON(conn, writeMu, reply)
	}
}

func (s *Server) handleRequest(ctx context.Context, req request) Message {
	cb := s.callbacks
	fail := func(err error) Message {
		return Message{Type: req.Type, Error: err.Error()}
	}
	unsupported := Message{Type: req.Type, Error: "unsupported request"}

	switch req.Type {
	case "scan":
		if cb.OnScan == nil {
			return unsupported
		}
		res, err := cb.OnScan(ctx)
		if err != nil {
			return fail(err)
		}
		return Message{Type: "scan", Data: res}

	case "upload":
		if cb.OnUpload == nil {
			return unsupported
		}
		img, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return fail(fmt.Errorf("invalid image encoding: %w", err))
		}
		res, err := cb.OnUpload(ctx, bytes.NewReader(img))
		if err != nil {
			return fail(err)
		}
		return Message{Type: "scan", Data: res}

	case "confirm":
		if cb.OnConfirm == nil {
			return unsupported
		}
		n, err := cb.OnConfirm(ctx, req.ScanID, req.Selections)
		if err != nil {
			return fail(err)
		}
		return Message{Type: "confirm", Data: map[string]any{"added": n}}

	case "dismiss":
		if cb.OnDismiss == nil {
			return unsupported
		}
		if err := cb.OnDismiss(); err != nil {
			return fail(err)
		}
		return Message{Type: "dismiss"}

	case "switch_camera":
		if cb.OnSwitchCamera == nil {
			return unsupported
		}
		if err := cb.OnSwitchCamera(ctx); err != nil {
			return fail(err)
		}
		return Message{Type: "switch_camera"}

	case "snapshot":
		if cb.Snapshot == nil {
			return unsupported
		}
		return Message{Type: "state", Data: cb.Snapshot()}
	}
	return Message{Type: "error", Error: fmt.Sprintf("unknown request type: %q", req.Type)}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ready, detail := true, any(nil)
	if s.callbacks.Ready != nil {
		ready, detail = s.callbacks.Ready()
	}
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "detail": detail})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{}
	if s.callbacks.Status != nil {
		payload = s.callbacks.Status()
	}
	s.mu.Lock()
	payload["ws_clients"] = len(s.clients)
	payload["ws_dropped"] = s.dropped
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.messages:
			payload, err := json.Marshal(message)
			if err != nil {
				slog.Warn("statusfeed: marshal failed", "type", message.Type, "error", err)
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
