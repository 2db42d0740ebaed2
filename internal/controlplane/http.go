package controlplane

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/forgehq/agentrun/internal/auth"
	"github.com/forgehq/agentrun/internal/responselog"
	"github.com/forgehq/agentrun/internal/runstore"
	"github.com/forgehq/agentrun/pkg/models"
)

// maxUploadBytes bounds each file uploaded with an initiate call (and the
// in-memory part of multipart parsing); files larger than this are
// rejected rather than staged into the sandbox.
const maxUploadBytes = 64 << 20 // 64MiB

// HTTPHandler exposes the Control Plane operations of spec §6 as the
// `/agent/*`, `/thread/*`, and `/agent-run/*` HTTP surface. It wraps an
// *AgentRuns and performs only request parsing, auth, and response framing
// — all lifecycle logic lives in AgentRuns itself.
type HTTPHandler struct {
	Runs   *AgentRuns
	Auth   *auth.Service
	Logger *slog.Logger
}

// NewHTTPHandler constructs an HTTPHandler. logger defaults to the
// package-default slog logger if nil.
func NewHTTPHandler(runs *AgentRuns, authSvc *auth.Service, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{Runs: runs, Auth: authSvc, Logger: logger}
}

// Register mounts the Control Plane routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/initiate", h.handleInitiate)
	mux.HandleFunc("POST /thread/{thread_id}/agent/start", h.handleStart)
	mux.HandleFunc("POST /agent-run/{run_id}/stop", h.handleStop)
	mux.HandleFunc("GET /agent-run/{run_id}", h.handleGet)
	mux.HandleFunc("GET /thread/{thread_id}/agent-runs", h.handleList)
	mux.HandleFunc("GET /agent-run/{run_id}/stream", h.handleStream)
}

// handleInitiate implements POST /agent/initiate (multipart form: prompt,
// optional files[], option booleans) → {thread_id, agent_run_id}.
func (h *HTTPHandler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.jsonError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	prompt := r.FormValue("prompt")
	if prompt == "" {
		h.jsonError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	options := parseOptions(r)

	var files []UploadedFile
	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					h.jsonError(w, http.StatusBadRequest, "open upload: "+err.Error())
					return
				}
				data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
				f.Close()
				if err != nil {
					h.jsonError(w, http.StatusBadRequest, "read upload: "+err.Error())
					return
				}
				if len(data) > maxUploadBytes {
					h.jsonError(w, http.StatusRequestEntityTooLarge, "upload too large: "+fh.Filename)
					return
				}
				files = append(files, UploadedFile{Path: fh.Filename, Data: data})
			}
		}
	}

	ctx := auth.WithUser(r.Context(), user)
	result, err := h.Runs.Initiate(ctx, user.Account(), prompt, files, r.FormValue("model_name"), options)
	if err != nil {
		h.Logger.Error("initiate failed", "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to initiate run")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]string{
		"thread_id":    result.ThreadID,
		"agent_run_id": result.RunID,
	})
}

// handleStart implements POST /thread/{thread_id}/agent/start.
func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(w, r)
	if user == nil {
		return
	}
	threadID := r.PathValue("thread_id")
	var body struct {
		EnableThinking       bool   `json:"enable_thinking"`
		ReasoningEffort      string `json:"reasoning_effort"`
		Stream               bool   `json:"stream"`
		EnableContextManager bool   `json:"enable_context_manager"`
		ModelName            string `json:"model_name"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			h.jsonError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	options := models.RunOptions{
		EnableThinking:       body.EnableThinking,
		ReasoningEffort:      body.ReasoningEffort,
		Stream:               body.Stream,
		EnableContextManager: body.EnableContextManager,
	}
	runID, err := h.Runs.Start(r.Context(), threadID, body.ModelName, options)
	if err != nil {
		h.Logger.Error("start failed", "thread_id", threadID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]string{
		"agent_run_id": runID,
		"status":       string(models.RunRunning),
	})
}

// handleStop implements POST /agent-run/{run_id}/stop.
func (h *HTTPHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if h.authenticate(w, r) == nil {
		return
	}
	runID := r.PathValue("run_id")
	if err := h.Runs.Stop(r.Context(), runID, ""); err != nil && !errors.Is(err, ErrNoActiveRun) {
		h.Logger.Error("stop failed", "run_id", runID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to stop run")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": string(models.RunStopped)})
}

// handleGet implements GET /agent-run/{run_id}.
func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.authenticate(w, r) == nil {
		return
	}
	runID := r.PathValue("run_id")
	run, err := h.Runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			h.jsonError(w, http.StatusNotFound, "run not found")
			return
		}
		h.Logger.Error("get run failed", "run_id", runID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	h.jsonResponse(w, http.StatusOK, runDTO(run))
}

// handleList implements GET /thread/{thread_id}/agent-runs.
func (h *HTTPHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.authenticate(w, r) == nil {
		return
	}
	threadID := r.PathValue("thread_id")
	runs, err := h.Runs.List(r.Context(), threadID)
	if err != nil {
		h.Logger.Error("list runs failed", "thread_id", threadID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	dtos := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, runDTO(run))
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"agent_runs": dtos})
}

// handleStream implements GET /agent-run/{run_id}/stream: replays the
// response log from index 0 then subscribes to the new-event and control
// channels, fanning out each subsequently appended event per spec §6.
// Auth for this endpoint is via a `token` query parameter since browsers'
// EventSource API cannot set an Authorization header; the token may be a
// full access token or a stream token bound to this run.
func (h *HTTPHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if h.Auth != nil && h.Auth.Enabled() {
		token := r.URL.Query().Get("token")
		if _, err := h.Auth.ValidateStreamToken(token, runID); err != nil {
			h.jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var cursor int64

	writeEvent := func(ev models.ResponseEvent) (terminal bool, err error) {
		line, err := ev.MarshalLine()
		if err != nil {
			return false, err
		}
		if _, err := w.Write([]byte("data: " + string(line) + "\n\n")); err != nil {
			return false, err
		}
		flusher.Flush()
		return ev.Type == models.EventStatus && isTerminalSubstatus(ev.Metadata.Substatus), nil
	}

	replay, err := h.Runs.Log.ReadRange(ctx, runID, 0, -1)
	if err != nil {
		h.Logger.Error("stream replay failed", "run_id", runID, "error", err)
		return
	}
	for _, ev := range replay {
		cursor++
		terminal, err := writeEvent(ev)
		if err != nil {
			return
		}
		if terminal {
			return
		}
	}

	events := h.Runs.Log.SubscribeEvents(ctx, runID)
	defer events.Close()
	control := h.Runs.Log.SubscribeControl(ctx, runID, h.Runs.InstanceID)
	defer control.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events.Channel():
			if !ok {
				return
			}
			more, err := h.Runs.Log.ReadRange(ctx, runID, cursor, -1)
			if err != nil {
				return
			}
			for _, ev := range more {
				cursor++
				terminal, err := writeEvent(ev)
				if err != nil {
					return
				}
				if terminal {
					return
				}
			}
		case payload, ok := <-control.Channel():
			if !ok {
				return
			}
			switch payload {
			case responselog.ControlEndStream, responselog.ControlError, responselog.ControlStop:
				// The terminal status event is appended before any control
				// signal is published (spec §7), so one final drain picks
				// it up even if it raced the signal.
				more, err := h.Runs.Log.ReadRange(ctx, runID, cursor, -1)
				if err == nil {
					for _, ev := range more {
						cursor++
						_, _ = writeEvent(ev)
					}
				}
				return
			}
		}
	}
}

// isTerminalSubstatus reports whether a status event ends the stream.
// "error" is included: fatal setup/planning failures emit it as their final
// status event, and a late joiner replaying such a log would otherwise wait
// on a control signal that was published long before it connected.
func isTerminalSubstatus(substatus string) bool {
	switch substatus {
	case models.SubstatusCompleted, models.SubstatusFailed, models.SubstatusStopped, models.SubstatusError:
		return true
	default:
		return false
	}
}

// runDTO renders a Run using the camelCase field names spec §6's
// GET /agent-run/{run_id} response requires, distinct from the
// snake_case Run.MarshalJSON used for internal persistence.
func runDTO(run *models.Run) map[string]any {
	dto := map[string]any{
		"id":        run.ID,
		"threadId":  run.ThreadID,
		"status":    run.Status,
		"startedAt": run.StartedAt,
	}
	if run.CompletedAt != nil {
		dto["completedAt"] = *run.CompletedAt
	}
	if run.Error != "" {
		dto["error"] = run.Error
	}
	return dto
}

// parseOptions reads RunOptions booleans from a multipart/urlencoded form,
// defaulting enable_thinking/enable_context_manager to false and stream to
// true per the advisory defaults the rest of the system assumes.
func parseOptions(r *http.Request) models.RunOptions {
	return models.RunOptions{
		EnableThinking:       formBool(r, "enable_thinking", false),
		ReasoningEffort:      r.FormValue("reasoning_effort"),
		Stream:               formBool(r, "stream", true),
		EnableContextManager: formBool(r, "enable_context_manager", false),
	}
}

func formBool(r *http.Request, key string, def bool) bool {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (h *HTTPHandler) authenticate(w http.ResponseWriter, r *http.Request) *models.User {
	if h.Auth == nil || !h.Auth.Enabled() {
		return &models.User{ID: "local", AccountID: "local"}
	}
	token := bearerToken(r)
	if token == "" {
		h.jsonError(w, http.StatusUnauthorized, "missing bearer token")
		return nil
	}
	user, err := h.Auth.ValidateJWT(token)
	if err != nil {
		// The bearer credential may also be a static API key.
		user, err = h.Auth.ValidateAPIKey(token)
	}
	if err != nil {
		h.jsonError(w, http.StatusUnauthorized, "invalid token")
		return nil
	}
	return user
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func (h *HTTPHandler) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Error("json encode error", "error", err)
	}
}

func (h *HTTPHandler) jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
