package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/cwsl/vizctl/vizstate"
)

// mutationWaitTimeout bounds ?wait=true requests
const mutationWaitTimeout = 30 * time.Second

// APIServer serves the local REST API, the websocket feed, metrics and MCP
type APIServer struct {
	config    *Config
	pipeline  *vizstate.Pipeline
	profiles  *vizstate.ProfileStore
	hub       *StateHub
	metrics   *PrometheusMetrics
	discovery *InstanceDiscovery
	router    *mux.Router
	server    *http.Server
	upgrader  websocket.Upgrader
}

// NewAPIServer creates the server and its routes. discovery and metrics
// may be nil.
func NewAPIServer(config *Config, pipeline *vizstate.Pipeline, profiles *vizstate.ProfileStore, hub *StateHub, metrics *PrometheusMetrics, discovery *InstanceDiscovery) *APIServer {
	router := mux.NewRouter()

	server := &APIServer{
		config:    config,
		pipeline:  pipeline,
		profiles:  profiles,
		hub:       hub,
		metrics:   metrics,
		discovery: discovery,
		router:    router,
		server: &http.Server{
			Addr:         config.Server.Listen,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *APIServer) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods("GET", "OPTIONS")
	api.HandleFunc("/refresh", s.handleRefresh).Methods("POST", "OPTIONS")

	api.HandleFunc("/params", s.handleGetParams).Methods("GET", "OPTIONS")
	api.HandleFunc("/params", s.handleSetParams).Methods("POST")
	api.HandleFunc("/params/{field}", s.handleSetParam).Methods("POST", "OPTIONS")

	api.HandleFunc("/filter", s.handleGetFilter).Methods("GET", "OPTIONS")
	api.HandleFunc("/filter/{channel}", s.handleSetRawFilter).Methods("POST", "OPTIONS")
	api.HandleFunc("/filter/{channel}/{level:[0-9]+}", s.handleGetFilterLevel).Methods("GET", "OPTIONS")
	api.HandleFunc("/filter/{channel}/{level:[0-9]+}", s.handleSetFilterLevel).Methods("POST")

	api.HandleFunc("/profiles", s.handleListProfiles).Methods("GET", "OPTIONS")
	api.HandleFunc("/profiles/{name}", s.handleGetProfile).Methods("GET", "OPTIONS")
	api.HandleFunc("/profiles/{name}", s.handleDeleteProfile).Methods("DELETE")
	api.HandleFunc("/profiles/{name}/save", s.handleSaveProfile).Methods("POST", "OPTIONS")
	api.HandleFunc("/profiles/{name}/load", s.handleLoadProfile).Methods("POST", "OPTIONS")

	api.HandleFunc("/instances/local", s.handleLocalInstances).Methods("GET", "OPTIONS")

	if s.config.Server.EnableGzip {
		api.Use(gzipMiddleware)
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.Handle("/metrics", s.metrics.Handler(&s.config.Prometheus))
	}

	if s.config.Server.EnableCORS {
		s.router.Use(corsMiddleware)
	}
}

// MountMCP serves h under /mcp
func (s *APIServer) MountMCP(h http.Handler) {
	s.router.PathPrefix("/mcp").Handler(h)
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

// gzipMiddleware compresses responses for clients that accept gzip
func gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		next.ServeHTTP(gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}

// Start starts the API server
func (s *APIServer) Start() error {
	log.Printf("Starting API server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the API server
func (s *APIServer) Stop(ctx context.Context) error {
	log.Println("Stopping API server...")
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// handleState handles GET /api/state
func (s *APIServer) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Cache().Snapshot())
}

// handleRefresh handles POST /api/refresh
func (s *APIServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Refresh(r.Context()); err != nil {
		respondMutationError(w, "Refresh failed", err)
		return
	}
	snap := s.pipeline.Cache().Snapshot()
	s.metrics.UpdateState(snap)
	s.hub.BroadcastState(snap)
	respondJSON(w, http.StatusOK, snap)
}

// handleGetParams handles GET /api/params
func (s *APIServer) handleGetParams(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Cache().Parameters())
}

// handleSetParam handles POST /api/params/{field}
func (s *APIServer) handleSetParam(w http.ResponseWriter, r *http.Request) {
	field, err := vizstate.ParseField(mux.Vars(r)["field"])
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown parameter", err.Error())
		return
	}

	var req ParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Value == nil {
		respondError(w, http.StatusBadRequest, "Value is required", "")
		return
	}

	s.respondMutation(w, r, s.pipeline.SetParameter(field, *req.Value))
}

// handleSetParams handles POST /api/params with a partial record. Each
// present field becomes its own mutation.
func (s *APIServer) handleSetParams(w http.ResponseWriter, r *http.Request) {
	var partial vizstate.Parameters
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if partial.IsEmpty() {
		respondError(w, http.StatusBadRequest, "No parameters given", "")
		return
	}

	var pending []*vizstate.PendingMutation
	for _, f := range partial.Present() {
		v, _ := partial.Get(f)
		pending = append(pending, s.pipeline.SetParameter(f, v))
	}

	wait := wantWait(r)
	if wait {
		ctx, cancel := context.WithTimeout(r.Context(), mutationWaitTimeout)
		defer cancel()
		for _, m := range pending {
			_ = m.Wait(ctx)
		}
	}

	resp := MultiMutationResponse{Mutations: make([]MutationEvent, len(pending))}
	status := http.StatusAccepted
	for i, m := range pending {
		resp.Mutations[i] = newMutationEvent(m)
		if m.State() == vizstate.StateFailed {
			status = http.StatusBadGateway
		}
	}
	if wait && status == http.StatusAccepted {
		status = http.StatusOK
	}
	snap := s.pipeline.Cache().Snapshot()
	resp.State = &snap
	respondJSON(w, status, resp)
}

// handleGetFilter handles GET /api/filter
func (s *APIServer) handleGetFilter(w http.ResponseWriter, r *http.Request) {
	bank := s.pipeline.Cache().FilterBank()
	resp := FilterResponse{Raw: bank, Levels: []FilterLevelResponse{}}
	for _, ch := range vizstate.Channels {
		for i, c := range bank.Channel(ch) {
			resp.Levels = append(resp.Levels, FilterLevelResponse{
				Channel:      ch,
				Level:        i,
				Coefficients: c,
				FilterView:   vizstate.ViewOf(c),
			})
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func parseFilterPath(r *http.Request) (vizstate.Channel, int, error) {
	vars := mux.Vars(r)
	ch, err := vizstate.ParseChannel(vars["channel"])
	if err != nil {
		return "", 0, err
	}
	level, err := strconv.Atoi(vars["level"])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q", vizstate.ErrUnknownLevel, vars["level"])
	}
	return ch, level, nil
}

// handleGetFilterLevel handles GET /api/filter/{channel}/{level}
func (s *APIServer) handleGetFilterLevel(w http.ResponseWriter, r *http.Request) {
	ch, level, err := parseFilterPath(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown filter level", err.Error())
		return
	}

	bank := s.pipeline.Cache().FilterBank()
	view, err := bank.View(ch, level)
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown filter level", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, FilterLevelResponse{
		Channel:      ch,
		Level:        level,
		Coefficients: bank.Channel(ch)[level],
		FilterView:   view,
	})
}

// handleSetFilterLevel handles POST /api/filter/{channel}/{level}
func (s *APIServer) handleSetFilterLevel(w http.ResponseWriter, r *http.Request) {
	ch, level, err := parseFilterPath(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown filter level", err.Error())
		return
	}

	var req FilterEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	attr, err := vizstate.ParseAttribute(req.Attribute)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid attribute", err.Error())
		return
	}
	if req.Value == nil {
		respondError(w, http.StatusBadRequest, "Value is required", "")
		return
	}

	s.respondMutation(w, r, s.pipeline.SetFilterCoefficient(ch, level, attr, *req.Value))
}

// handleSetRawFilter handles POST /api/filter/{channel}
func (s *APIServer) handleSetRawFilter(w http.ResponseWriter, r *http.Request) {
	ch, err := vizstate.ParseChannel(mux.Vars(r)["channel"])
	if err != nil {
		respondError(w, http.StatusNotFound, "Unknown filter channel", err.Error())
		return
	}

	var req RawFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if len(req.Raw) == 0 {
		respondError(w, http.StatusBadRequest, "Raw coefficients are required", "")
		return
	}

	s.respondMutation(w, r, s.pipeline.SetFilterChannel(ch, req.Raw))
}

// handleListProfiles handles GET /api/profiles
func (s *APIServer) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	names, err := s.profiles.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list profiles", err.Error())
		return
	}

	resp := ProfileListResponse{Profiles: make([]ProfileInfo, len(names))}
	for i, name := range names {
		resp.Profiles[i] = ProfileInfo{Name: name, Key: vizstate.ProfileKey(name), Default: name == ""}
	}
	respondJSON(w, http.StatusOK, resp)
}

// profileName maps the path segment "default" to the unnamed profile
func profileName(r *http.Request) string {
	name := mux.Vars(r)["name"]
	if name == "default" {
		return ""
	}
	return name
}

// handleGetProfile handles GET /api/profiles/{name}
func (s *APIServer) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	snap, err := s.profiles.Read(r.Context(), profileName(r))
	if err != nil {
		respondProfileError(w, "Failed to read profile", err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleSaveProfile handles POST /api/profiles/{name}/save
func (s *APIServer) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	name := profileName(r)
	err := s.profiles.Save(r.Context(), name)
	s.metrics.RecordProfileOperation("save", err)
	if err != nil {
		respondProfileError(w, "Failed to save profile", err)
		return
	}
	log.Printf("Saved profile %q", name)
	respondSuccess(w, fmt.Sprintf("Profile %q saved", name))
}

// handleLoadProfile handles POST /api/profiles/{name}/load
func (s *APIServer) handleLoadProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mutationWaitTimeout)
	defer cancel()

	name := profileName(r)
	err := s.profiles.Load(ctx, name)
	s.metrics.RecordProfileOperation("load", err)
	if err != nil {
		respondProfileError(w, "Failed to load profile", err)
		return
	}
	respondJSON(w, http.StatusOK, s.pipeline.Cache().Snapshot())
}

// handleDeleteProfile handles DELETE /api/profiles/{name}
func (s *APIServer) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	name := profileName(r)
	err := s.profiles.Delete(r.Context(), name)
	s.metrics.RecordProfileOperation("delete", err)
	if err != nil {
		respondProfileError(w, "Failed to delete profile", err)
		return
	}
	respondSuccess(w, fmt.Sprintf("Profile %q deleted", name))
}

// handleLocalInstances handles GET /api/instances/local
func (s *APIServer) handleLocalInstances(w http.ResponseWriter, r *http.Request) {
	resp := InstancesResponse{Instances: []DisplayInstance{}}
	if s.discovery != nil {
		resp.Instances = s.discovery.GetInstances()
	}
	respondJSON(w, http.StatusOK, resp)
}

func wantWait(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

// respondMutation answers an edit request. Without ?wait=true the handle is
// returned as soon as the optimistic merge is done.
func (s *APIServer) respondMutation(w http.ResponseWriter, r *http.Request, m *vizstate.PendingMutation) {
	// Rejected before anything was sent
	if m.State() == vizstate.StateFailed && !errors.Is(m.Err(), vizstate.ErrRemoteRequestFailed) {
		respondError(w, http.StatusBadRequest, "Invalid mutation", m.Err().Error())
		return
	}

	status := http.StatusAccepted
	if wantWait(r) {
		ctx, cancel := context.WithTimeout(r.Context(), mutationWaitTimeout)
		defer cancel()
		if err := m.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				status = http.StatusAccepted
			} else {
				status = http.StatusBadGateway
			}
		} else {
			status = http.StatusOK
		}
	}

	snap := s.pipeline.Cache().Snapshot()
	respondJSON(w, status, MutationResponse{Mutation: newMutationEvent(m), State: &snap})
}

// handleWebSocket streams hub messages and accepts control commands
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if DebugMode {
		log.Printf("DEBUG: New WebSocket connection from %s", r.RemoteAddr)
	}

	updates := s.hub.Subscribe()
	defer s.hub.Unsubscribe(updates)

	done := make(chan struct{})
	var doneOnce sync.Once
	closeDone := func() {
		doneOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	// All writes go through writeChan so only one goroutine writes. The
	// reader may still hold a reply when the handler returns, so writeChan
	// is never closed; the writer stops on done instead.
	writeChan := make(chan interface{}, 100)
	writeErrors := make(chan error, 1)
	go func() {
		for {
			select {
			case msg := <-writeChan:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					select {
					case writeErrors <- err:
					default:
					}
					return
				}
			case <-done:
				return
			}
		}
	}()

	snap := s.pipeline.Cache().Snapshot()
	writeChan <- HubMessage{Type: "state", State: &snap}

	go func() {
		defer closeDone()
		for {
			var cmd WSCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				if DebugMode {
					log.Printf("DEBUG: WebSocket read error: %v", err)
				}
				return
			}
			if msg, ok := s.handleWSCommand(r.Context(), cmd); ok {
				select {
				case writeChan <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			select {
			case writeChan <- update:
			default:
				log.Printf("Write channel full, dropping update")
			}
		case err := <-writeErrors:
			log.Printf("WebSocket write error: %v", err)
			return
		case <-done:
			return
		}
	}
}

// handleWSCommand applies one websocket command. The reply, if any, is
// written back to the sender only; mutation progress reaches every client
// through the hub.
func (s *APIServer) handleWSCommand(ctx context.Context, cmd WSCommand) (HubMessage, bool) {
	switch cmd.Type {
	case "refresh":
		if err := s.pipeline.Refresh(ctx); err != nil {
			return HubMessage{Type: "error", Error: err.Error()}, true
		}
		snap := s.pipeline.Cache().Snapshot()
		s.metrics.UpdateState(snap)
		s.hub.BroadcastState(snap)
		return HubMessage{}, false

	case "set_param":
		field, err := vizstate.ParseField(cmd.Field)
		if err != nil {
			return HubMessage{Type: "error", Error: err.Error()}, true
		}
		if cmd.Value == nil {
			return HubMessage{Type: "error", Error: "value is required"}, true
		}
		return s.wsMutationReply(s.pipeline.SetParameter(field, *cmd.Value))

	case "set_filter":
		ch, err := vizstate.ParseChannel(cmd.Channel)
		if err != nil {
			return HubMessage{Type: "error", Error: err.Error()}, true
		}
		attr, err := vizstate.ParseAttribute(cmd.Attribute)
		if err != nil {
			return HubMessage{Type: "error", Error: err.Error()}, true
		}
		if cmd.Value == nil {
			return HubMessage{Type: "error", Error: "value is required"}, true
		}
		return s.wsMutationReply(s.pipeline.SetFilterCoefficient(ch, cmd.Level, attr, *cmd.Value))
	}

	return HubMessage{Type: "error", Error: fmt.Sprintf("unknown command type %q", cmd.Type)}, true
}

func (s *APIServer) wsMutationReply(m *vizstate.PendingMutation) (HubMessage, bool) {
	if m.State() == vizstate.StateFailed {
		ev := newMutationEvent(m)
		return HubMessage{Type: "error", Mutation: &ev, Error: m.Err().Error()}, true
	}
	return HubMessage{}, false
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func respondSuccess(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: message,
	})
}

// respondMutationError maps pipeline errors onto status codes
func respondMutationError(w http.ResponseWriter, title string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vizstate.ErrRemoteRequestFailed):
		status = http.StatusBadGateway
	case errors.Is(err, vizstate.ErrUnknownField),
		errors.Is(err, vizstate.ErrUnknownChannel),
		errors.Is(err, vizstate.ErrUnknownLevel):
		status = http.StatusBadRequest
	}
	respondError(w, status, title, err.Error())
}

// respondProfileError maps profile errors onto status codes
func respondProfileError(w http.ResponseWriter, title string, err error) {
	switch {
	case errors.Is(err, vizstate.ErrProfileNotFound):
		respondError(w, http.StatusNotFound, title, err.Error())
	case errors.Is(err, vizstate.ErrProfileCorrupt):
		respondError(w, http.StatusUnprocessableEntity, title, err.Error())
	default:
		respondMutationError(w, title, err)
	}
}
