package events

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookSenderBasic(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)

		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if got := r.Header.Get("X-Sid-Event"); got != "request.detected" {
			t.Errorf("X-Sid-Event = %q, want request.detected", got)
		}

		body, _ := io.ReadAll(r.Body)
		var evt Event
		if err := json.Unmarshal(body, &evt); err != nil {
			t.Errorf("failed to unmarshal event: %v", err)
		}
		if evt.Request == nil || evt.Request.MAC != "00:11:22:33:44:55" {
			t.Errorf("request = %+v", evt.Request)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, testLogger())
	sender.Send(WebhookConfig{Name: "test-hook", URL: server.URL, Retries: 1}, Event{
		Type:      EventRequestDetected,
		Timestamp: time.Now(),
		Request:   &RequestData{MAC: "00:11:22:33:44:55", FirstSeen: time.Now()},
	})
	sender.Wait()

	if received.Load() != 1 {
		t.Errorf("webhook received %d requests, want 1", received.Load())
	}
}

func TestWebhookSenderHMAC(t *testing.T) {
	var sigHeader string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigHeader = r.Header.Get("X-Sid-Signature")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, testLogger())
	sender.Send(WebhookConfig{Name: "hmac-hook", URL: server.URL, Secret: "test-secret", Retries: 1},
		Event{Type: EventRequestApproved, Timestamp: time.Now()})
	sender.Wait()

	if want := "sha256=" + computeHMAC(body, "test-secret"); sigHeader != want {
		t.Errorf("X-Sid-Signature = %q, want %q", sigHeader, want)
	}
}

func TestWebhookSenderRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, testLogger())
	sender.Send(WebhookConfig{
		Name:         "retry-hook",
		URL:          server.URL,
		Retries:      3,
		RetryBackoff: 10 * time.Millisecond,
	}, Event{Type: EventRestartFailed, Timestamp: time.Now()})
	sender.Wait()

	if attempts.Load() != 3 {
		t.Errorf("webhook attempts = %d, want 3", attempts.Load())
	}
}

func TestWebhookSenderCustomHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(5*time.Second, testLogger())
	sender.Send(WebhookConfig{
		Name:    "header-hook",
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	}, Event{Type: EventRequestDenied, Timestamp: time.Now()})
	sender.Wait()

	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer test-token")
	}
}

func TestSlackPayload(t *testing.T) {
	body, err := buildSlackPayload(Event{
		Type:      EventRequestApproved,
		Timestamp: time.Now(),
		Lease: &LeaseData{
			MAC:      "aa:bb:cc:dd:ee:ff",
			Hostname: "tv",
			IP:       net.IPv4(192, 168, 0, 12),
		},
		Actor: "admin",
	})
	if err != nil {
		t.Fatalf("buildSlackPayload error: %v", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	want := "*request.approved*\nMAC: `aa:bb:cc:dd:ee:ff`\nHostname: `tv`\nIP: `192.168.0.12`\nBy: admin"
	if payload["text"] != want {
		t.Errorf("text = %q, want %q", payload["text"], want)
	}
}

func TestTeamsPayload(t *testing.T) {
	body, err := buildTeamsPayload(Event{
		Type:      EventRestartFailed,
		Timestamp: time.Now(),
		Restart:   &RestartData{ExitCode: 3, Stderr: []string{"Job for dnsmasq.service failed"}},
	})
	if err != nil {
		t.Fatalf("buildTeamsPayload error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if payload["@type"] != "MessageCard" {
		t.Errorf("@type = %v, want MessageCard", payload["@type"])
	}
	if text, _ := payload["text"].(string); !strings.Contains(text, "Exit code: 3") {
		t.Errorf("text = %q, want exit code", text)
	}
}

func TestComputeHMAC(t *testing.T) {
	sig := computeHMAC([]byte("test-payload"), "test-secret")
	if len(sig) != 64 {
		t.Errorf("HMAC signature length = %d, want 64", len(sig))
	}
	if sig != computeHMAC([]byte("test-payload"), "test-secret") {
		t.Error("HMAC not deterministic")
	}
	if sig == computeHMAC([]byte("test-payload"), "different-secret") {
		t.Error("different secrets produced same HMAC")
	}
}
