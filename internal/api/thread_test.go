package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/internal/bridge"
	"github.com/relaywire/relaywire/internal/collaborator"
	"github.com/relaywire/relaywire/internal/config"
)

func newTestThreadHandler(t *testing.T, llmHandler http.HandlerFunc, configured bool) *ThreadHandler {
	t.Helper()
	srv := httptest.NewServer(llmHandler)
	t.Cleanup(srv.Close)

	llm := collaborator.New(srv.URL, time.Second, time.Second, time.Second, time.Second)
	cfg := &config.Config{RelayURL: "ws://localhost:1", BridgeConnectTimeout: time.Second}
	registry := bridge.NewRegistry(cfg, llm, zerolog.Nop())
	return NewThreadHandler(llm, registry, configured, zerolog.Nop())
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

func TestConnectRejectsEmptyThreadID(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {}, true)
	app := fiber.New()
	app.Post("/thread/connect", h.Connect)

	resp := doJSON(t, app, http.MethodPost, "/thread/connect", connectRequest{ThreadID: "  "})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectReturns503WhenNotConfigured(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {}, false)
	app := fiber.New()
	app.Post("/thread/connect", h.Connect)

	resp := doJSON(t, app, http.MethodPost, "/thread/connect", connectRequest{ThreadID: "t1"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestConnectSkipsBridgeForOperator(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("collaborator should not be called for an operator connect")
	}, true)
	app := fiber.New()
	app.Post("/thread/connect", h.Connect)

	resp := doJSON(t, app, http.MethodPost, "/thread/connect", connectRequest{ThreadID: "t1", UserType: "operator"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LLMConnected {
		t.Error("LLMConnected = true, want false for an operator connect")
	}
	if body.Status != "ok" || body.ThreadID != "t1" {
		t.Errorf("body = %+v", body)
	}
}

func TestConnectStartsBridgeForNonOperator(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(collaborator.ConnectResult{Status: "ok", ThreadID: "t1"})
	}, true)
	app := fiber.New()
	app.Post("/thread/connect", h.Connect)

	resp := doJSON(t, app, http.MethodPost, "/thread/connect", connectRequest{ThreadID: "t1"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.LLMConnected {
		t.Error("LLMConnected = false, want true once the bridge starts successfully")
	}
}

func TestSummarizeProxiesCollaborator(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(collaborator.SummarizeResult{ThreadID: "t1", Summary: "short"})
	}, true)
	app := fiber.New()
	app.Post("/thread/summarize", h.Summarize)

	resp := doJSON(t, app, http.MethodPost, "/thread/summarize", summarizeRequest{ThreadID: "t1"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body summarizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Summary != "short" {
		t.Errorf("Summary = %q, want short", body.Summary)
	}
}

func TestHistoryRejectsMissingThreadID(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {}, true)
	app := fiber.New()
	app.Post("/thread/history", h.History)

	resp := doJSON(t, app, http.MethodPost, "/thread/history", historyRequest{})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatSMSRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {}, true)
	app := fiber.New()
	app.Post("/chat/sms", h.ChatSMS)

	resp := doJSON(t, app, http.MethodPost, "/chat/sms", chatSMSRequest{ThreadID: "t1", Message: "  "})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatSMSProxiesCollaborator(t *testing.T) {
	t.Parallel()
	h := newTestThreadHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(collaborator.ChatSMSResult{ThreadID: "t1", Message: "reply"})
	}, true)
	app := fiber.New()
	app.Post("/chat/sms", h.ChatSMS)

	resp := doJSON(t, app, http.MethodPost, "/chat/sms", chatSMSRequest{ThreadID: "t1", Message: "hi"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body chatSMSResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "reply" {
		t.Errorf("Message = %q, want reply", body.Message)
	}
}
