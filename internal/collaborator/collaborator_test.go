package collaborator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second, time.Second, time.Second, time.Second)
}

func TestConnect(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/thread/connect" {
			t.Errorf("path = %s, want /thread/connect", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["thread_id"] != "t1" {
			t.Errorf("thread_id = %q, want t1", body["thread_id"])
		}
		_ = json.NewEncoder(w).Encode(ConnectResult{Status: "ok", ThreadID: "t1"})
	})

	result, err := client.Connect(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if result.Status != "ok" || result.ThreadID != "t1" {
		t.Errorf("Connect() = %+v", result)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SummarizeResult{ThreadID: "t1", Summary: "short summary"})
	})

	result, err := client.Summarize(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if result.Summary != "short summary" {
		t.Errorf("Summarize() = %+v", result)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(HistoryResult{
			ThreadID: "t1",
			Messages: []HistoryItem{
				{Type: "patient", Content: "hi", ID: "m1", SentAt: "2026-01-01T00:00:00Z"},
				{Type: "ai", Content: "hello", ID: "m2", SentAt: "2026-01-01T00:00:01Z", PreviousMessageID: strPtr("m1")},
			},
		})
	})

	result, err := client.History(context.Background(), "t1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("Messages len = %d, want 2", len(result.Messages))
	}
	if result.Messages[0].PreviousMessageID != nil {
		t.Errorf("Messages[0].PreviousMessageID = %v, want nil", result.Messages[0].PreviousMessageID)
	}
	if result.Messages[1].PreviousMessageID == nil || *result.Messages[1].PreviousMessageID != "m1" {
		t.Errorf("Messages[1].PreviousMessageID = %v, want m1", result.Messages[1].PreviousMessageID)
	}
}

func TestChatSMS(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ChatSMSResult{Message: "reply", ThreadID: "t1"})
	})

	result, err := client.ChatSMS(context.Background(), "t1", "hi there", "")
	if err != nil {
		t.Fatalf("ChatSMS() error = %v", err)
	}
	if result.Message != "reply" {
		t.Errorf("ChatSMS() = %+v", result)
	}
}

func TestChatSMSIncludesWebAppLinkWhenSet(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["webapp_link"] != "https://example.com/link" {
			t.Errorf("webapp_link = %q, want https://example.com/link", body["webapp_link"])
		}
		_ = json.NewEncoder(w).Encode(ChatSMSResult{Message: "reply", ThreadID: "t1"})
	})

	if _, err := client.ChatSMS(context.Background(), "t1", "hi there", "https://example.com/link"); err != nil {
		t.Fatalf("ChatSMS() error = %v", err)
	}
}

func TestStreamReply(t *testing.T) {
	t.Parallel()
	events := []StreamEvent{
		{Type: "token", Content: "hello there"},
		{Type: "static", Content: "pinned reply"},
		{Type: "escalation", ShouldEscalate: false},
		{Type: "end"},
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, e := range events {
			payload, _ := json.Marshal(e)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	var got []StreamEvent
	var streamErr error
	for event, err := range client.StreamReply(context.Background(), ChatRequest{ThreadID: "t1", Message: "hi", Channel: "web"}) {
		if err != nil {
			streamErr = err
			break
		}
		got = append(got, event)
	}
	if streamErr != nil {
		t.Fatalf("StreamReply() error = %v", streamErr)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d events, want %d", len(got), len(events))
	}
	if got[0].Content != "hello there" || got[len(got)-1].Type != "end" {
		t.Errorf("StreamReply() events = %+v", got)
	}
}

func TestStreamReplyStopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"token","content":"hi"}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"type":"end"}`)
	})

	callCount := 0
	for _, err := range client.StreamReply(context.Background(), ChatRequest{ThreadID: "t1", Message: "hi"}) {
		if err != nil {
			t.Fatalf("StreamReply() error = %v", err)
		}
		callCount++
		break
	}
	if callCount != 1 {
		t.Errorf("consumer saw %d events before breaking, want 1", callCount)
	}
}

func TestStreamReplyYieldsErrorOnBadEvent(t *testing.T) {
	t.Parallel()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `not json`)
	})

	var gotErr error
	for _, err := range client.StreamReply(context.Background(), ChatRequest{ThreadID: "t1", Message: "hi"}) {
		gotErr = err
		break
	}
	if gotErr == nil {
		t.Fatal("StreamReply() error = nil, want decode error for malformed event")
	}
}

func strPtr(s string) *string { return &s }
