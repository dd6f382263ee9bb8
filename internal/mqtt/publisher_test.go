package mqtt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/bmsinsight/internal/config"
	"github.com/nugget/bmsinsight/internal/jobs"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if len(strings.Split(id, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", id)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != id {
		t.Errorf("second = %q, want %q (should be stable)", second, id)
	}
}

func testPublisher() *Publisher {
	cfg := config.MQTTConfig{
		Broker:      "mqtt://localhost:1883",
		TopicPrefix: "bmsinsight",
		ClientID:    "bmsinsight",
	}
	return New(cfg, "0192f0c5-aaaa-7bbb-8ccc-123456789abc", nil)
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "bmsinsight/availability"},
		{"progress", p.progressTopic("j1"), "bmsinsight/jobs/j1/progress"},
		{"status", p.statusTopic("j1"), "bmsinsight/jobs/j1/status"},
		{"client id", p.clientID, "bmsinsight-0192f0c5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_StatusEventsAreRetained(t *testing.T) {
	p := testPublisher()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msgs := p.messages("j1", jobs.ProgressEvent{Timestamp: ts, Type: jobs.EventToolCall})
	if len(msgs) != 1 || msgs[0].retain {
		t.Fatalf("tool_call messages = %+v", msgs)
	}

	msgs = p.messages("j1", jobs.ProgressEvent{Timestamp: ts, Type: jobs.EventStatus, Data: map[string]any{"status": "completed"}})
	if len(msgs) != 2 {
		t.Fatalf("status produced %d messages, want 2", len(msgs))
	}
	if msgs[1].topic != "bmsinsight/jobs/j1/status" || !msgs[1].retain || msgs[1].qos != 1 {
		t.Errorf("status message = %+v", msgs[1])
	}

	var ev jobs.ProgressEvent
	if err := json.Unmarshal(msgs[1].payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Data["status"] != "completed" || !ev.Timestamp.Equal(ts) {
		t.Errorf("payload = %+v", ev)
	}
}

func TestPublisher_QueueFullDrops(t *testing.T) {
	p := testPublisher()
	for range queueSize + 10 {
		p.Publish("j1", jobs.ProgressEvent{Type: jobs.EventIteration})
	}
	if got := p.Dropped(); got != 10 {
		t.Errorf("Dropped() = %d, want 10", got)
	}
}

func TestPublisher_StopBeforeStart(t *testing.T) {
	if err := testPublisher().Stop(t.Context()); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}
