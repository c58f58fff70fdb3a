package events

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestMatchesEvent(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		event    string
		want     bool
	}{
		{"empty patterns match all", nil, "request.detected", true},
		{"exact match", []string{"request.approved"}, "request.approved", true},
		{"exact no match", []string{"request.approved"}, "request.denied", false},
		{"wildcard all", []string{"*"}, "anything", true},
		{"wildcard prefix", []string{"request.*"}, "request.detected", true},
		{"wildcard prefix no match", []string{"request.*"}, "service.restart_failed", false},
		{"plural is a different prefix", []string{"request.*"}, "requests.cleared", false},
		{"multiple patterns", []string{"request.approved", "service.*"}, "service.restart_failed", true},
		{"multiple patterns no match", []string{"request.approved", "service.*"}, "request.denied", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesEvent(tt.patterns, tt.event)
			if got != tt.want {
				t.Errorf("matchesEvent(%v, %q) = %v, want %v", tt.patterns, tt.event, got, tt.want)
			}
		})
	}
}

func TestDispatcherRoutesToWebhook(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	bus := NewBus(10, testLogger())
	go bus.Start()
	defer bus.Stop()

	d := NewDispatcher(bus, testLogger(), 1, time.Second)
	d.AddWebhook(WebhookConfig{Name: "approvals", URL: server.URL, Events: []string{"request.approved"}})
	if d.HookCount() != 1 {
		t.Errorf("HookCount() = %d, want 1", d.HookCount())
	}
	go d.Start()

	bus.Publish(Event{Type: EventRequestDetected, Timestamp: time.Now(), Request: &RequestData{MAC: "11:22:33:44:55:66"}})
	bus.Publish(Event{Type: EventRequestApproved, Timestamp: time.Now(), Lease: &LeaseData{MAC: "11:22:33:44:55:66"}})

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	if received.Load() != 1 {
		t.Errorf("webhook received %d requests, want 1", received.Load())
	}
}
