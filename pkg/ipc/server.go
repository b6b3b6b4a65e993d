package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/odvcencio/caserunner/pkg/engine"
	"github.com/odvcencio/caserunner/pkg/logging"
	"github.com/odvcencio/caserunner/pkg/storage"
)

const maxWSReadBytes = 64 * 1024

// EventExecutionSnapshot is an ipc-level event carrying the current
// execution view, sent once to observers that connect mid-run.
const EventExecutionSnapshot engine.EventType = "execution_snapshot"

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Engine   *engine.Engine
	Registry *engine.Registry
	Store    *storage.Store
	Hub      *Hub
	Recorder *RunRecorder
	Logger   *logging.Logger
}

// Server exposes test cases, executions and runs over HTTP, and execution
// event streams over WebSocket.
type Server struct {
	engine   *engine.Engine
	registry *engine.Registry
	store    *storage.Store
	hub      *Hub
	recorder *RunRecorder
	logger   *logging.Logger
	router   chi.Router
}

// NewServer constructs the server and its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		engine:   cfg.Engine,
		registry: cfg.Registry,
		store:    cfg.Store,
		hub:      cfg.Hub,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
	s.routes()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/testcases", func(r chi.Router) {
			r.Post("/", s.handleCreateTestCase)
			r.Get("/", s.handleListTestCases)
			r.Get("/{testCaseID}", s.handleGetTestCase)
			r.Get("/{testCaseID}/runs", s.handleListTestCaseRuns)
		})
		r.Route("/executions", func(r chi.Router) {
			r.Post("/", s.handleStartExecution)
			r.Get("/", s.handleListExecutions)
			r.Get("/{executionID}", s.handleGetExecution)
			r.Post("/{executionID}/commands", s.handleExecutionCommand)
			r.Get("/{executionID}/events", s.handleExecutionEvents)
		})
		r.Get("/runs/{runID}", s.handleGetRun)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type createTestCaseRequest struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

func (s *Server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	var req createTestCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, errors.New("title required"))
		return
	}

	tc := &storage.TestCase{Title: req.Title, Steps: req.Steps}
	if err := s.store.CreateTestCase(tc); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusCreated, tc)
}

func (s *Server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.store.ListTestCases(parseLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"testCases": cases,
		"count":     len(cases),
	})
}

func (s *Server) handleGetTestCase(w http.ResponseWriter, r *http.Request) {
	tc, err := s.store.GetTestCase(chi.URLParam(r, "testCaseID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if tc == nil {
		respondError(w, http.StatusNotFound, errors.New("test case not found"))
		return
	}
	respondJSON(w, http.StatusOK, tc)
}

func (s *Server) handleListTestCaseRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRunsForTestCase(chi.URLParam(r, "testCaseID"), parseLimit(r, 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type startExecutionRequest struct {
	TestCaseID  string `json:"testCaseId"`
	TargetURL   string `json:"targetUrl"`
	ExecutionID string `json:"executionId,omitempty"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.TestCaseID) == "" {
		respondError(w, http.StatusBadRequest, errors.New("testCaseId required"))
		return
	}

	tc, err := s.store.GetTestCase(req.TestCaseID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if tc == nil {
		respondError(w, http.StatusNotFound, errors.New("test case not found"))
		return
	}

	// The run loop outlives this request; it must not inherit the request
	// context.
	id, err := s.engine.Start(context.Background(), engine.StartRequest{
		ExecutionID: req.ExecutionID,
		TestCase: engine.TestCase{
			ID:    tc.ID,
			Title: tc.Title,
			Steps: tc.Steps,
		},
		TargetURL: req.TargetURL,
		Channel:   NewExecutionChannel(s.hub),
	})
	if err != nil {
		if errors.Is(err, engine.ErrExecutionExists) {
			respondError(w, http.StatusConflict, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.recorder.Track(id, tc.ID)

	totalSteps := 0
	if exec, ok := s.registry.Get(id); ok {
		totalSteps = len(exec.Steps())
	}
	respondJSON(w, http.StatusAccepted, map[string]any{
		"executionId": id,
		"totalSteps":  totalSteps,
	})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs := s.registry.List()
	views := make([]engine.ExecutionView, 0, len(execs))
	for _, exec := range execs {
		views = append(views, exec.View())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"executions": views,
		"count":      len(views),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.registry.Get(chi.URLParam(r, "executionID"))
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("execution not found"))
		return
	}
	respondJSON(w, http.StatusOK, exec.View())
}

type executionCommandRequest struct {
	Type string `json:"type"`
	Note string `json:"note,omitempty"`
}

func (s *Server) handleExecutionCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	var req executionCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	cmd := engine.Command{
		Type:        engine.CommandType(req.Type),
		ExecutionID: id,
		Note:        req.Note,
	}
	if err := s.engine.Dispatch(cmd); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	// Commands against missing or already-terminal executions are accepted
	// no-ops; races with natural completion are expected.
	respondJSON(w, http.StatusAccepted, map[string]any{
		"executionId": id,
		"command":     req.Type,
	})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn(logging.CategoryIPC, "ws_accept_failed",
			"websocket accept failed",
			map[string]any{"execution_id": id, "error": err.Error()})
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	filter := func(event engine.Event) bool {
		return event.ExecutionID == id
	}

	client := s.hub.register(conn, filter)
	ctx, cancel := context.WithCancel(r.Context())
	startWSPing(ctx, conn)

	go func() {
		defer cancel()
		s.readCommands(ctx, conn, id)
	}()

	go func() {
		if err := client.writeLoop(ctx); err != nil {
			cancel()
		}
	}()

	s.sendExecutionSnapshot(client, id)

	<-ctx.Done()
	s.hub.removeClient(client)
	client.close(websocket.StatusNormalClosure, "shutdown")
}

// readCommands dispatches command frames from the observer to the engine.
// The frame's execution id is forced to the stream's own execution.
func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, executionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd engine.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		cmd.ExecutionID = executionID
		if err := s.engine.Dispatch(cmd); err != nil {
			s.logger.Warn(logging.CategoryIPC, "command_rejected",
				"observer command rejected",
				map[string]any{"execution_id": executionID, "error": err.Error()})
		}
	}
}

// sendExecutionSnapshot pushes the current execution view to a client that
// connected after the execution started.
func (s *Server) sendExecutionSnapshot(c *client, executionID string) {
	exec, ok := s.registry.Get(executionID)
	if !ok {
		return
	}
	c.enqueue(engine.Event{
		Type:        EventExecutionSnapshot,
		ExecutionID: executionID,
		Payload:     exec.View(),
		Timestamp:   time.Now(),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func parseLimit(r *http.Request, def int) int {
	limitParam := r.URL.Query().Get("limit")
	if limitParam == "" {
		return def
	}
	if l, err := strconv.Atoi(limitParam); err == nil && l > 0 && l <= 500 {
		return l
	}
	return def
}
