// Package collaborator talks to the external generation subsystem that produces AI replies, thread summaries, and
// history for a session. It is a plain HTTP client: no example repo in the pack ships a generated client or SDK for
// this kind of bespoke internal service, so requests are built with net/http and encoding/json directly.
package collaborator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client for the collaborator's thread and chat endpoints.
type Client struct {
	baseURL string
	http    *http.Client

	connectTimeout   time.Duration
	summarizeTimeout time.Duration
	historyTimeout   time.Duration
	smsTimeout       time.Duration
}

// New builds a Client. baseURL must not have a trailing slash requirement; it is trimmed defensively.
func New(baseURL string, connectTimeout, summarizeTimeout, historyTimeout, smsTimeout time.Duration) *Client {
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		http:             &http.Client{},
		connectTimeout:   connectTimeout,
		summarizeTimeout: summarizeTimeout,
		historyTimeout:   historyTimeout,
		smsTimeout:       smsTimeout,
	}
}

// ConnectResult is the response shape for /thread/connect.
type ConnectResult struct {
	Status   string `json:"status"`
	ThreadID string `json:"thread_id"`
}

// Connect registers that a worker bridge has started serving a thread. The collaborator is idempotent about this
// call: reconnecting an already-active thread is not an error.
func (c *Client) Connect(ctx context.Context, threadID string) (*ConnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	var result ConnectResult
	if err := c.postJSON(ctx, "/thread/connect", map[string]string{"thread_id": threadID}, &result); err != nil {
		return nil, fmt.Errorf("collaborator: connect: %w", err)
	}
	return &result, nil
}

// SummarizeResult is the response shape for /thread/summarize.
type SummarizeResult struct {
	ThreadID string `json:"thread_id"`
	Summary  string `json:"summary"`
}

// Summarize asks the collaborator to produce a summary of a thread's conversation so far.
func (c *Client) Summarize(ctx context.Context, threadID string) (*SummarizeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.summarizeTimeout)
	defer cancel()

	var result SummarizeResult
	if err := c.postJSON(ctx, "/thread/summarize", map[string]string{"thread_id": threadID}, &result); err != nil {
		return nil, fmt.Errorf("collaborator: summarize: %w", err)
	}
	return &result, nil
}

// HistoryItem is one message in a thread's history, chained to the previous item by ID.
type HistoryItem struct {
	Type              string  `json:"type"`
	Content           string  `json:"content"`
	ID                string  `json:"id"`
	SentAt            string  `json:"sent_at"`
	ReadAt            *string `json:"read_at"`
	PreviousMessageID *string `json:"previous_message_id"`
}

// HistoryResult is the response shape for /thread/history.
type HistoryResult struct {
	ThreadID string        `json:"thread_id"`
	Messages []HistoryItem `json:"messages"`
}

// History fetches the full message history for a thread.
func (c *Client) History(ctx context.Context, threadID string) (*HistoryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	var result HistoryResult
	if err := c.postJSON(ctx, "/thread/history", map[string]string{"thread_id": threadID}, &result); err != nil {
		return nil, fmt.Errorf("collaborator: history: %w", err)
	}
	return &result, nil
}

// ChatSMSResult is the response shape for /chat/sms.
type ChatSMSResult struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// ChatSMS relays an inbound SMS message into a thread and returns the reply to send back. webAppLink is optional
// ancillary context (e.g. a link to include in the generated reply) and is omitted from the request if empty.
func (c *Client) ChatSMS(ctx context.Context, threadID, message, webAppLink string) (*ChatSMSResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.smsTimeout)
	defer cancel()

	body := map[string]string{"thread_id": threadID, "message": message}
	if webAppLink != "" {
		body["webapp_link"] = webAppLink
	}

	var result ChatSMSResult
	if err := c.postJSON(ctx, "/chat/sms", body, &result); err != nil {
		return nil, fmt.Errorf("collaborator: chat sms: %w", err)
	}
	return &result, nil
}

// ChatRequest is a single inbound chat turn to generate a reply for.
type ChatRequest struct {
	ThreadID          string          `json:"thread_id"`
	Message           string          `json:"message"`
	Channel           string          `json:"channel"`
	Invoice           json.RawMessage `json:"invoice,omitempty"`
	StripePaymentLink string          `json:"stripe_payment_link,omitempty"`
	WebAppLink        string          `json:"web_app_link,omitempty"`
}

// StreamEvent is one event in a generation stream. Content is populated for "token" and "static" events,
// ShouldEscalate is populated for "escalation" events; the other field is left zero for event types that do not use
// it.
type StreamEvent struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	ShouldEscalate bool   `json:"should_escalate,omitempty"`
}

// StreamReply opens a generation stream for req and returns a pull-based, cancel-safe iterator over the events the
// collaborator produces, in order. The collaborator serves this endpoint as a chunked text/event-stream response
// (one JSON object per "data:" line); this is the one streaming entry point in the package, consumed only by the
// worker bridge. Breaking out of the range loop early (e.g. on a send failure downstream) stops the request and
// closes the response body via the deferred close below — nothing is leaked if the caller never reaches the
// terminating "end" event. A non-nil error yielded alongside a zero StreamEvent ends the sequence; the caller
// should treat that iteration as final and not expect another yield after it.
func (c *Client) StreamReply(ctx context.Context, req ChatRequest) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		payload, err := json.Marshal(req)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: encode request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(payload))
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: build request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: unexpected status %d: %s", resp.StatusCode, body))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var event StreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: decode event: %w", err))
				return
			}
			if !yield(event, nil) {
				return
			}
			if event.Type == "end" {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(StreamEvent{}, fmt.Errorf("collaborator: stream reply: read stream: %w", err))
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
