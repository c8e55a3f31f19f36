package brokers

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Type: "msmq"}); err == nil {
		t.Error("unsupported broker type must be rejected")
	}

	if _, err := NewKafka(Config{Type: "kafka", Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("kafka without topic must be rejected")
	}
	if _, err := NewKafka(Config{Type: "kafka", Topic: "runs"}); err == nil {
		t.Error("kafka without brokers must be rejected")
	}
	if _, err := NewRabbitMQ(Config{Type: "rabbitmq"}); err == nil {
		t.Error("rabbitmq without queue must be rejected")
	}
}

func TestRabbitMQDefaults(t *testing.T) {
	r, err := NewRabbitMQ(Config{Type: "rabbitmq", Queue: "runs"})
	if err != nil {
		t.Fatal(err)
	}
	if r.config.Host != "localhost" || r.config.Port != 5672 || r.config.VHost != "/" {
		t.Errorf("defaults not applied: %+v", r.config)
	}

	tls, err := NewRabbitMQ(Config{Type: "rabbitmq", Queue: "runs", UseTLS: true})
	if err != nil {
		t.Fatal(err)
	}
	if tls.config.Port != 5671 {
		t.Errorf("TLS default port = %d, want 5671", tls.config.Port)
	}
}

func TestRunEventMarshal(t *testing.T) {
	errStr := "load failed"
	event := RunEvent{
		RunID:      "b2f5e3a0-0000-0000-0000-000000000001",
		Pipeline:   "medgen-mirror",
		Mode:       "delta",
		Status:     "Failed",
		StartedAt:  time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 7, 1, 12, 5, 0, 0, time.UTC),
		DurationMs: 300000,
		Error:      &errStr,
	}

	payload, err := event.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded["status"] != "Failed" || decoded["error"] != "load failed" {
		t.Errorf("unexpected payload: %s", payload)
	}

	// Пустые опциональные поля не попадают в JSON
	event.Error = nil
	event.ReleaseVersion = ""
	payload, _ = event.Marshal()
	if string(payload) == "" {
		t.Fatal("empty payload")
	}
	var again map[string]any
	json.Unmarshal(payload, &again)
	if _, ok := again["error"]; ok {
		t.Error("nil error must be omitted from JSON")
	}
	if _, ok := again["release_version"]; ok {
		t.Error("empty release version must be omitted from JSON")
	}
}
