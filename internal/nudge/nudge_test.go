package nudge_test

import (
	"context"
	"strings"
	"testing"

	"github.com/agentoven/conductor/internal/nudge"
	"github.com/agentoven/conductor/internal/store"
	"github.com/agentoven/conductor/pkg/models"
)

func newController(t *testing.T) (*nudge.Controller, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return nudge.New(s, nudge.Config{}), s
}

func TestCheck_Classification(t *testing.T) {
	tests := []struct {
		name       string
		reflection models.Reflection
		output     string
		want       models.NudgeReason
	}{
		{"unsure", models.Reflection{Rationale: "I am unsure which region to use"}, "", models.NudgeUncertainty},
		{"ambiguous", models.Reflection{Assumptions: "The requirements are ambiguous"}, "", models.NudgeUncertainty},
		{"missing data", models.Reflection{FailurePoints: "missing data for Q3"}, "", models.NudgeNeedsInformation},
		{"unclear", models.Reflection{Rationale: "it is unclear which table holds orders"}, "", models.NudgeNeedsInformation},
		{"blocked", models.Reflection{FailurePoints: "blocked by the firewall"}, "", models.NudgeBlocked},
		{"waiting", models.Reflection{Rationale: "waiting for approval"}, "", models.NudgeBlocked},
		{"general", models.Reflection{Rationale: "I could use some guidance"}, "", models.NudgeGeneral},
		{"output fallback", models.Reflection{Rationale: "done"}, "Please provide the API key.", models.NudgeNeedsInformation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newController(t)
			rec, err := c.Check(context.Background(), nudge.CheckRequest{
				Agent: "analyst", Input: "in", Output: tt.output, Reflection: tt.reflection,
			})
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if rec == nil {
				t.Fatal("Check() = nil, want nudge")
			}
			if rec.Reason != tt.want {
				t.Errorf("Check().Reason = %q, want %q", rec.Reason, tt.want)
			}
		})
	}
}

func TestCheck_ReflectionBeatsOutput(t *testing.T) {
	c, _ := newController(t)
	rec, err := c.Check(context.Background(), nudge.CheckRequest{
		Agent:      "analyst",
		Output:     "blocked by quota",
		Reflection: models.Reflection{Rationale: "I'm not sure about the currency"},
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if rec.Reason != models.NudgeUncertainty {
		t.Errorf("Check().Reason = %q, want uncertainty from reflection", rec.Reason)
	}
}

func TestCheck_NoSignal(t *testing.T) {
	c, s := newController(t)
	rec, err := c.Check(context.Background(), nudge.CheckRequest{
		Agent: "analyst", Output: "Report attached.", Reflection: models.Reflection{Rationale: "Straightforward."},
	})
	if err != nil || rec != nil {
		t.Fatalf("Check() = (%v, %v), want (nil, nil)", rec, err)
	}
	list, _ := s.ListNudges(context.Background(), models.NudgeFilter{})
	if len(list) != 0 {
		t.Errorf("ListNudges() = %d, want 0", len(list))
	}
}

func TestCheck_PersistsRecord(t *testing.T) {
	c, s := newController(t)
	rec, err := c.Check(context.Background(), nudge.CheckRequest{
		ChainID: "chain-9", Agent: "analyst", Input: "summarize", Output: "partial",
		Reflection: models.Reflection{FailurePoints: "blocked by missing credentials."},
	})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	got, err := s.GetNudge(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetNudge() error = %v", err)
	}
	if got.ChainID != "chain-9" || got.InputSnapshot != "summarize" || got.OutputSnapshot != "partial" {
		t.Errorf("stored nudge = %+v", got)
	}
	if got.MatchedPattern == "" {
		t.Error("MatchedPattern is empty")
	}
}

func TestMessage(t *testing.T) {
	c, _ := newController(t)
	tests := []struct {
		name       string
		reason     models.NudgeReason
		reflection models.Reflection
		contains   string
	}{
		{"uncertain phrase", models.NudgeUncertainty, models.Reflection{FailurePoints: "uncertain about the date range."}, "uncertain about the date range"},
		{"uncertain fallback", models.NudgeUncertainty, models.Reflection{Rationale: "ambiguous"}, "unsure how to proceed"},
		{"missing phrase", models.NudgeNeedsInformation, models.Reflection{Assumptions: "missing the customer id"}, "needs more information: the customer id"},
		{"blocked because", models.NudgeBlocked, models.Reflection{Rationale: "cannot proceed because the VPN is down"}, "is blocked: the VPN is down"},
		{"blocked fallback", models.NudgeBlocked, models.Reflection{}, "blocked and cannot continue"},
		{"general", models.NudgeGeneral, models.Reflection{Rationale: "any suggestions?"}, "could use some guidance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Message(tt.reason, "analyst", tt.reflection)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Message() = %q, want it to contain %q", got, tt.contains)
			}
			if !strings.HasPrefix(got, "analyst") {
				t.Errorf("Message() = %q, want it to name the agent", got)
			}
		})
	}
}
