package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/schema"
)

// Backend is what Server exposes: a store that can also push changes.
type Backend interface {
	Store
	Feed
}

// Server serves a Backend over REST and websocket. It is meant for local
// development and tests, standing in for the hosted remote store.
type Server struct {
	addr     string
	apiKey   string
	backend  Backend
	listener net.Listener
	server   *http.Server

	// Websocket client management
	clients   map[*websocket.Conn]schema.Collection
	clientsMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Port to listen on (default: 8787, 0 picks a free port)
	Port int

	// APIKey, when set, must be presented as a bearer token.
	APIKey string

	// Logger for server activity (default: no-op)
	Logger *zap.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:   8787,
		Logger: zap.NewNop(),
	}
}

// NewServer creates a server for backend.
func NewServer(backend Backend, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		apiKey:  config.APIKey,
		backend: backend,
		clients: make(map[*websocket.Conn]schema.Collection),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger.Named("remote-server"),
	}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/{collection}", s.auth(s.handleSelectAll))
	mux.HandleFunc("POST /v1/{collection}", s.auth(s.handleInsert))
	mux.HandleFunc("PUT /v1/{collection}/{id}", s.auth(s.handleUpdate))
	mux.HandleFunc("DELETE /v1/{collection}/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("GET /v1/{collection}/changes", s.auth(s.handleChanges))
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("remote server listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop closes every change stream and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Info("remote server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of open change streams.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func collectionParam(w http.ResponseWriter, r *http.Request) (schema.Collection, bool) {
	c := schema.Collection(r.PathValue("collection"))
	if !c.IsValid() {
		http.Error(w, fmt.Sprintf("unknown collection %q", c), http.StatusNotFound)
		return "", false
	}
	return c, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, c schema.Collection) (schema.Record, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	rec, err := schema.Decode(c, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if err := rec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return nil, false
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	recs, err := s.backend.SelectAll(r.Context(), c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	rec, ok := decodeBody(w, r, c)
	if !ok {
		return
	}
	stored, err := s.backend.Insert(r.Context(), rec)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Debug("insert", zap.String("collection", c.String()), zap.String("id", stored.RecordID()))
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	rec, ok := decodeBody(w, r, c)
	if !ok {
		return
	}
	if id := r.PathValue("id"); rec.RecordID() != id {
		http.Error(w, fmt.Sprintf("body id %q does not match path id %q", rec.RecordID(), id), http.StatusBadRequest)
		return
	}
	stored, err := s.backend.Update(r.Context(), rec)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}
	if err := s.backend.Delete(r.Context(), c, r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChanges upgrades to a websocket and streams change events for one
// collection until either side goes away.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	c, ok := collectionParam(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = c
	s.clientsMu.Unlock()
	defer s.removeClient(conn)

	// CloseRead discards client frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(s.ctx)
	events, err := s.backend.Subscribe(ctx, c)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to marshal change event", zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	s.clientsMu.Unlock()
	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
