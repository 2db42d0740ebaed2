package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forgehq/agentrun/pkg/models"
)

func newTestHandler(t *testing.T) *HTTPHandler {
	t.Helper()
	runs, _ := newTestAgentRuns(t)
	return NewHTTPHandler(runs, nil, nil)
}

func multipartInitiateBody(t *testing.T, prompt string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("prompt", prompt); err != nil {
		t.Fatalf("write field: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHTTPHandler_InitiateThenGetAndList(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	body, contentType := multipartInitiateBody(t, "echo hello")
	req := httptest.NewRequest(http.MethodPost, "/agent/initiate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("initiate status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var initiated struct {
		ThreadID string `json:"thread_id"`
		RunID    string `json:"agent_run_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("decode initiate response: %v", err)
	}
	if initiated.ThreadID == "" || initiated.RunID == "" {
		t.Fatalf("expected non-empty ids, got %+v", initiated)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/agent-run/"+initiated.RunID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
	var run map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if run["id"] != initiated.RunID {
		t.Fatalf("run[id] = %v, want %v", run["id"], initiated.RunID)
	}
	if run["status"] != string(models.RunRunning) {
		t.Fatalf("run[status] = %v, want running", run["status"])
	}

	listReq := httptest.NewRequest(http.MethodGet, "/thread/"+initiated.ThreadID+"/agent-runs", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", listRec.Code, listRec.Body.String())
	}
	var listBody struct {
		AgentRuns []map[string]any `json:"agent_runs"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &listBody); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listBody.AgentRuns) != 1 {
		t.Fatalf("expected 1 run, got %d", len(listBody.AgentRuns))
	}
}

func TestHTTPHandler_InitiateRequiresPrompt(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	body, contentType := multipartInitiateBody(t, "")
	req := httptest.NewRequest(http.MethodPost, "/agent/initiate", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHTTPHandler_StopThenGetIsTerminal(t *testing.T) {
	h := newTestHandler(t)
	mux := http.NewServeMux()
	h.Register(mux)

	body, contentType := multipartInitiateBody(t, "do something")
	initReq := httptest.NewRequest(http.MethodPost, "/agent/initiate", body)
	initReq.Header.Set("Content-Type", contentType)
	initRec := httptest.NewRecorder()
	mux.ServeHTTP(initRec, initReq)

	var initiated struct {
		RunID string `json:"agent_run_id"`
	}
	if err := json.Unmarshal(initRec.Body.Bytes(), &initiated); err != nil {
		t.Fatalf("decode initiate response: %v", err)
	}

	stopReq := httptest.NewRequest(http.MethodPost, "/agent-run/"+initiated.RunID+"/stop", nil)
	stopRec := httptest.NewRecorder()
	mux.ServeHTTP(stopRec, stopReq)
	if stopRec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body = %s", stopRec.Code, stopRec.Body.String())
	}

	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/agent-run/"+initiated.RunID, nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
	var run map[string]any
	if err := json.Unmarshal(getRec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if run["status"] != string(models.RunStopped) {
		t.Fatalf("run[status] after stop = %v, want stopped", run["status"])
	}

	// Stop on an already-terminal run is a no-op per spec §8.
	stopRec2 := httptest.NewRecorder()
	mux.ServeHTTP(stopRec2, httptest.NewRequest(http.MethodPost, "/agent-run/"+initiated.RunID+"/stop", nil))
	if stopRec2.Code != http.StatusOK {
		t.Fatalf("second stop status = %d, want %d", stopRec2.Code, http.StatusOK)
	}
}

func TestHTTPHandler_StreamReplaysThenTerminates(t *testing.T) {
	h := newTestHandler(t)
	runID := "run-stream-1"

	ctx := context.Background()
	if _, err := h.Runs.Log.Append(ctx, runID, models.ResponseEvent{
		Type:     models.EventStatus,
		Content:  map[string]any{"status": "thread_run_start"},
		Metadata: models.ResponseEventMeta{ThreadRunID: runID, Substatus: models.SubstatusThreadRunStart},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := h.Runs.Log.Append(ctx, runID, models.ResponseEvent{
		Type:     models.EventStatus,
		Content:  map[string]any{"status": "completed"},
		Metadata: models.ResponseEventMeta{ThreadRunID: runID, Substatus: models.SubstatusCompleted},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/agent-run/"+runID+"/stream", nil)
	req.SetPathValue("run_id", runID)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.handleStream(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleStream did not terminate after a terminal status event")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, no-transform" {
		t.Fatalf("Cache-Control = %q", cc)
	}

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(dataLines) != 2 {
		t.Fatalf("expected 2 SSE events, got %d: %v", len(dataLines), dataLines)
	}
	var last models.ResponseEvent
	if err := json.Unmarshal([]byte(dataLines[len(dataLines)-1]), &last); err != nil {
		t.Fatalf("decode last event: %v", err)
	}
	if last.Metadata.Substatus != models.SubstatusCompleted {
		t.Fatalf("last event substatus = %q, want completed", last.Metadata.Substatus)
	}
}
