// Package notify delivers lifecycle events to operator webhooks.
//
// Each channel receives the event as a JSON POST, optionally signed with
// HMAC-SHA256 over the body. Deliveries run in the background and are
// retried with linear backoff; a failed delivery is logged, never surfaced
// to the component that raised the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
	DefaultTimeout  = 15 * time.Second
)

// Channel is one webhook endpoint. An empty Events list subscribes to all
// events; "*" does the same.
type Channel struct {
	Name   string
	URL    string
	Secret string
	Events []string
}

// Subscribes reports whether the channel wants events of type t.
func (ch Channel) Subscribes(t models.EventType) bool {
	if len(ch.Events) == 0 {
		return true
	}
	for _, e := range ch.Events {
		if e == string(t) || e == "*" {
			return true
		}
	}
	return false
}

type Config struct {
	Attempts int
	Backoff  time.Duration
	Client   *http.Client
}

// Service fans events out to the configured channels.
type Service struct {
	channels []Channel
	client   *http.Client
	attempts int
	backoff  time.Duration
	wg       sync.WaitGroup
}

var _ contracts.Notifier = (*Service)(nil)

func New(channels []Channel, cfg Config) *Service {
	s := &Service{
		channels: channels,
		client:   cfg.Client,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: DefaultTimeout}
	}
	if s.attempts <= 0 {
		s.attempts = DefaultAttempts
	}
	if s.backoff <= 0 {
		s.backoff = DefaultBackoff
	}
	return s
}

// Notify delivers event to every subscribed channel in the background.
// Deliveries outlive ctx's cancellation; Wait blocks until they finish.
func (s *Service) Notify(ctx context.Context, event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	bg := context.WithoutCancel(ctx)
	for _, ch := range s.channels {
		if !ch.Subscribes(event.Type) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Send(bg, ch, event); err != nil {
				log.Warn().Err(err).
					Str("channel", ch.Name).
					Str("event", string(event.Type)).
					Msg("Webhook notification failed")
				return
			}
			log.Debug().Str("channel", ch.Name).Str("event", string(event.Type)).Msg("Webhook notification delivered")
		}()
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Send posts event to ch synchronously, retrying non-2xx responses.
func (s *Service) Send(ctx context.Context, ch Channel, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.backoff):
			}
		}
		req, err := newRequest(ctx, ch, event.Type, body)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", s.attempts, lastErr)
}

func newRequest(ctx context.Context, ch Channel, t models.EventType, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Conductor-Webhook/1.0")
	req.Header.Set("X-Conductor-Event", string(t))
	if ch.Secret != "" {
		req.Header.Set("X-Conductor-Signature", "sha256="+Sign(ch.Secret, body))
	}
	return req, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
