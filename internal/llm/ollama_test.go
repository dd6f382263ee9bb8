package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestOllama(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOllamaChatNativeToolCalls(t *testing.T) {
	var gotReq ollamaRequest
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = io.WriteString(w, `{
			"model": "qwen",
			"created_at": "2026-01-02T03:04:05Z",
			"message": {"role": "assistant", "content": "", "tool_calls": [
				{"function": {"name": "request_bms_data", "arguments": {"metric": "soc"}}}
			]},
			"done": true,
			"prompt_eval_count": 10,
			"eval_count": 5
		}`)
	})

	resp, err := c.Chat(context.Background(), "qwen", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotReq.Stream {
		t.Error("requests must not stream")
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "request_bms_data" {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Message.ToolCalls[0].ID == "" {
		t.Error("native tool calls should be assigned an id")
	}
	if resp.InputTokens != 10 || resp.OutputTokens != 5 {
		t.Errorf("usage = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestOllamaChatTextEnvelope(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"{\"tool_call\": \"get_weather_data\", \"parameters\": {\"days\": 3}}"},"done":true}`)
	})

	resp, err := c.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared, got %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["days"] != float64(3) {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
}

func TestOllamaChatFinalAnswer(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"model":"m","message":{"role":"assistant","content":"{\"final_answer\": \"Battery is healthy.\"}"},"done":true}`)
	})

	resp, err := c.Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Battery is healthy." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestOllamaPingAndList(t *testing.T) {
	c := newTestOllama(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[{"name":"a"},{"name":"b"}]}`)
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
}
