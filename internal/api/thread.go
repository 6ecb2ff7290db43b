package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/internal/bridge"
	"github.com/relaywire/relaywire/internal/collaborator"
	"github.com/relaywire/relaywire/internal/gateway"
	"github.com/relaywire/relaywire/internal/httputil"
)

// ThreadHandler serves the control-plane endpoints that proxy to the generation collaborator: connecting a worker
// bridge to a session, summarizing a thread, fetching its history, and relaying a single SMS turn.
type ThreadHandler struct {
	llm        *collaborator.Client
	bridges    *bridge.Registry
	configured bool
	log        zerolog.Logger
}

// NewThreadHandler creates a new thread handler. configured should reflect config.Config.CollaboratorConfigured();
// when false, every endpoint returns 503 rather than attempting a call that can never succeed.
func NewThreadHandler(llm *collaborator.Client, bridges *bridge.Registry, configured bool, logger zerolog.Logger) *ThreadHandler {
	return &ThreadHandler{llm: llm, bridges: bridges, configured: configured, log: logger}
}

var errCollaboratorNotConfigured = "generation collaborator is not configured"

type connectRequest struct {
	ThreadID string `json:"thread_id"`
	UserType string `json:"user_type"`
}

type connectResponse struct {
	Status       string `json:"status"`
	ThreadID     string `json:"thread_id"`
	LLMConnected bool   `json:"llm_connected"`
}

// Connect handles POST /thread/connect. When user_type is "operator" the call succeeds without starting a worker
// bridge — operators observe a session, they don't drive generation for it. Otherwise it starts the bridge for the
// session directly (this is a single-process deployment, so C4 lives in the same binary as the control plane) and
// makes a short, best-effort call into the collaborator to register the thread. Neither call blocks on the bridge's
// outbound socket actually completing its handshake, which is what keeps connect -> bridge -> relay from forming a
// wait cycle.
func (h *ThreadHandler) Connect(c fiber.Ctx) error {
	if !h.configured {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, errCollaboratorNotConfigured)
	}

	var body connectRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	threadID := strings.TrimSpace(body.ThreadID)
	if threadID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "thread_id is required")
	}

	if strings.EqualFold(body.UserType, "operator") {
		return httputil.Success(c, connectResponse{Status: "ok", ThreadID: threadID, LLMConnected: false})
	}

	llmConnected := true
	if err := h.bridges.Start(gateway.SanitizeSessionID(threadID)); err != nil {
		h.log.Warn().Err(err).Str("thread_id", threadID).Msg("could not start worker bridge")
		llmConnected = false
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := h.llm.Connect(ctx, threadID); err != nil {
			h.log.Warn().Err(err).Str("thread_id", threadID).Msg("collaborator connect call failed")
		}
	}()

	return httputil.Success(c, connectResponse{Status: "ok", ThreadID: threadID, LLMConnected: llmConnected})
}

type summarizeRequest struct {
	ThreadID string `json:"thread_id"`
}

// Summarize handles POST /thread/summarize.
func (h *ThreadHandler) Summarize(c fiber.Ctx) error {
	if !h.configured {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, errCollaboratorNotConfigured)
	}

	var body summarizeRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	threadID := strings.TrimSpace(body.ThreadID)
	if threadID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "thread_id is required")
	}

	result, err := h.llm.Summarize(c.Context(), threadID)
	if err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("collaborator summarize call failed")
		return httputil.Fail(c, fiber.StatusBadGateway, "could not summarize thread")
	}

	return httputil.Success(c, summarizeResponse{ThreadID: result.ThreadID, Summary: result.Summary})
}

type summarizeResponse struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
}

type historyRequest struct {
	ThreadID string `json:"thread_id"`
}

type historyResponse struct {
	ThreadID string                     `json:"thread_id"`
	Messages []collaborator.HistoryItem `json:"messages"`
}

// History handles POST /thread/history.
func (h *ThreadHandler) History(c fiber.Ctx) error {
	if !h.configured {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, errCollaboratorNotConfigured)
	}

	var body historyRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	threadID := strings.TrimSpace(body.ThreadID)
	if threadID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "thread_id is required")
	}

	result, err := h.llm.History(c.Context(), threadID)
	if err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("collaborator history call failed")
		return httputil.Fail(c, fiber.StatusBadGateway, "could not fetch thread history")
	}

	return httputil.Success(c, historyResponse{ThreadID: result.ThreadID, Messages: result.Messages})
}

type chatSMSRequest struct {
	ThreadID   string `json:"thread_id"`
	Message    string `json:"message"`
	WebAppLink string `json:"webapp_link"`
}

type chatSMSResponse struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// ChatSMS handles POST /chat/sms: a synchronous, non-streaming reply for a thread reached over SMS.
func (h *ThreadHandler) ChatSMS(c fiber.Ctx) error {
	if !h.configured {
		return httputil.Fail(c, fiber.StatusServiceUnavailable, errCollaboratorNotConfigured)
	}

	var body chatSMSRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	threadID := strings.TrimSpace(body.ThreadID)
	message := strings.TrimSpace(body.Message)
	if threadID == "" || message == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, "thread_id and message are required")
	}

	result, err := h.llm.ChatSMS(c.Context(), threadID, message, strings.TrimSpace(body.WebAppLink))
	if err != nil {
		h.log.Error().Err(err).Str("thread_id", threadID).Msg("collaborator chat/sms call failed")
		return httputil.Fail(c, fiber.StatusBadGateway, "could not generate SMS reply")
	}

	return httputil.Success(c, chatSMSResponse{ThreadID: result.ThreadID, Message: result.Message})
}
