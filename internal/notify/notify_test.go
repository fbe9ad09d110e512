package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/conductor/internal/notify"
	"github.com/agentoven/conductor/pkg/models"
)

type received struct {
	header http.Header
	body   []byte
}

func newWebhook(t *testing.T, status func(n int32) int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu   sync.Mutex
		got  []received
		hits atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status(hits.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func ok(int32) int { return http.StatusOK }

func TestSend_SignsBody(t *testing.T) {
	srv, got := newWebhook(t, ok)
	s := notify.New(nil, notify.Config{})

	ev := models.Event{Type: models.EventEscalationRaised, EscalationID: "esc-1", Agent: "builder", Timestamp: time.Now().UTC()}
	if err := s.Send(context.Background(), notify.Channel{Name: "ops", URL: srv.URL, Secret: "s3cret"}, ev); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	reqs := got()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if h := reqs[0].header.Get("X-Conductor-Event"); h != "escalation_raised" {
		t.Errorf("X-Conductor-Event = %q, want %q", h, "escalation_raised")
	}
	want := "sha256=" + notify.Sign("s3cret", reqs[0].body)
	if h := reqs[0].header.Get("X-Conductor-Signature"); h != want {
		t.Errorf("X-Conductor-Signature = %q, want %q", h, want)
	}
	var decoded models.Event
	if err := json.Unmarshal(reqs[0].body, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.EscalationID != "esc-1" {
		t.Errorf("EscalationID = %q, want %q", decoded.EscalationID, "esc-1")
	}
}

func TestSend_RetriesServerErrors(t *testing.T) {
	srv, got := newWebhook(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	s := notify.New(nil, notify.Config{Backoff: time.Millisecond})

	if err := s.Send(context.Background(), notify.Channel{URL: srv.URL}, models.Event{Type: models.EventEscalationResolved}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(got()); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestSend_GivesUp(t *testing.T) {
	srv, got := newWebhook(t, func(int32) int { return http.StatusInternalServerError })
	s := notify.New(nil, notify.Config{Attempts: 2, Backoff: time.Millisecond})

	if err := s.Send(context.Background(), notify.Channel{URL: srv.URL}, models.Event{Type: models.EventEscalationRaised}); err == nil {
		t.Fatal("Send() error = nil, want failure after retries")
	}
	if n := len(got()); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestNotify_FiltersSubscriptions(t *testing.T) {
	all, gotAll := newWebhook(t, ok)
	resolved, gotResolved := newWebhook(t, ok)
	s := notify.New([]notify.Channel{
		{Name: "all", URL: all.URL},
		{Name: "resolved-only", URL: resolved.URL, Events: []string{"escalation_resolved"}},
	}, notify.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Notify(ctx, models.Event{Type: models.EventEscalationRaised})
	cancel()
	s.Notify(context.Background(), models.Event{Type: models.EventEscalationResolved})
	s.Wait()

	if n := len(gotAll()); n != 2 {
		t.Errorf("all channel got %d events, want 2", n)
	}
	if n := len(gotResolved()); n != 1 {
		t.Errorf("resolved-only channel got %d events, want 1", n)
	}
}

func TestChannel_Subscribes(t *testing.T) {
	tests := []struct {
		events []string
		want   bool
	}{
		{nil, true},
		{[]string{"*"}, true},
		{[]string{"escalation_raised"}, true},
		{[]string{"escalation_resolved"}, false},
	}
	for _, tt := range tests {
		ch := notify.Channel{Events: tt.events}
		if got := ch.Subscribes(models.EventEscalationRaised); got != tt.want {
			t.Errorf("Subscribes(%v) = %v, want %v", tt.events, got, tt.want)
		}
	}
}
