// Package status serves the motion status and abort API: HTTP /status and
// /stop, Prometheus /metrics, and a JSON-RPC websocket that pushes state
// changes and accepts motion.stop.
//
// Copyright (C) 2026  stepdrive authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package status

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"stepdrive/pkg/log"
	"stepdrive/pkg/supervisor"
)

// Motion is the part of the supervisor the API needs.
type Motion interface {
	Status() supervisor.Status
	Stop(source string) bool
	OnStateChange(fn func(old, new supervisor.State))
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":7130".
	Addr string

	Motion Motion

	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the status and abort API.
type Server struct {
	motion    Motion
	metrics   http.Handler
	addr      string
	logger    *log.Logger
	startTime time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[int64]*wsClient
	nextID   int64
	closed   bool
	clientWG sync.WaitGroup

	stops atomic.Int64
}

// New creates a server and subscribes it to motion state changes.
func New(cfg Config) *Server {
	s := &Server{
		motion:    cfg.Motion,
		metrics:   cfg.Metrics,
		addr:      cfg.Addr,
		logger:    log.GetLogger("status"),
		startTime: time.Now(),
		clients:   make(map[int64]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	cfg.Motion.OnStateChange(s.notifyState)
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down and closes every
// websocket client.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("status API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if serr := <-errCh; serr != nil && !stderrors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}

// Close disconnects all websocket clients and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.clientWG.Wait()
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeServerError    = -32000
)

var errMethodNotFound = stderrors.New("method not found")

// dispatch routes a method call. source names the caller for stop logs;
// client is nil for plain HTTP calls.
func (s *Server) dispatch(method string, params map[string]any, source string, client *wsClient) (any, error) {
	switch method {
	case "server.connection.identify":
		if client == nil {
			return nil, stderrors.New("identify requires a websocket connection")
		}
		return client.identify(params), nil
	case "server.info":
		return s.serverInfo(), nil
	case "motion.status":
		return s.motion.Status(), nil
	case "motion.stop":
		if src, ok := params["source"].(string); ok && src != "" {
			source = src
		}
		return s.stop(source), nil
	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

func (s *Server) serverInfo() map[string]any {
	hostname, _ := os.Hostname()
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()
	return map[string]any{
		"hostname":        hostname,
		"uptime":          time.Since(s.startTime).Seconds(),
		"websocket_count": clients,
		"stop_requests":   s.stops.Load(),
	}
}

func (s *Server) stop(source string) map[string]any {
	s.stops.Add(1)
	stopped := s.motion.Stop(source)
	s.logger.WithFields(log.Fields{"source": source, "stopped": stopped}).Info("stop request")
	return map[string]any{"stopped": stopped}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.motion.Status()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": s.stop("http:" + r.RemoteAddr)})
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcError(nil, codeParseError, "Parse error"))
		return
	}
	writeJSON(w, http.StatusOK, s.call(req, "jsonrpc:"+r.RemoteAddr, nil))
}

func (s *Server) call(req jsonRPCRequest, source string, client *wsClient) jsonRPCResponse {
	result, err := s.dispatch(req.Method, req.Params, source, client)
	if err != nil {
		code := codeServerError
		if stderrors.Is(err, errMethodNotFound) {
			code = codeMethodNotFound
		}
		return rpcError(req.ID, code, err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func rpcError(id any, code int, message string) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// notifyState pushes a state change to every websocket client. It runs on
// the supervisor's goroutine and never blocks.
func (s *Server) notifyState(old, new supervisor.State) {
	msg := notification{
		JSONRPC: "2.0",
		Method:  "notify_motion_state",
		Params: []any{
			map[string]string{"old": old.String(), "new": new.String()},
			s.motion.Status(),
		},
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.send(msg)
	}
}
