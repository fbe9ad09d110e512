package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/conductor/internal/executor"
	"github.com/agentoven/conductor/pkg/models"
)

// newGateway serves one canned JSON-RPC response per request and records
// what it was sent.
func newGateway(t *testing.T, status int, response string) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/builder/a2a" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("Authorization = %q, want bearer key", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

const okResponse = `{
  "jsonrpc": "2.0",
  "id": "1",
  "result": {
    "status": {"state": "completed"},
    "artifacts": [{"parts": [{"type": "text", "text": "built ok"}, {"type": "text", "text": "artifact: app"}]}],
    "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
    "metadata": {
      "model": "gpt-4o",
      "provider": "openai",
      "task_category": "code",
      "suggested_next_step": "deploy to staging",
      "tags": ["ci"],
      "output_schema": "BuildResult",
      "tools_used": ["shell"],
      "reflection": {"rationale": "compiled", "confidence_level": "90%", "failure_points": "none"}
    }
  }
}`

func TestExecute_Success(t *testing.T) {
	srv, sent := newGateway(t, http.StatusOK, okResponse)
	e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL + "/", APIKey: "secret"})

	res, err := e.Execute(context.Background(), "builder", "build the app", map[string]interface{}{"chain_id": "c1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.OutputText != "built ok\nartifact: app" {
		t.Errorf("OutputText = %q", res.OutputText)
	}
	md := res.Metadata
	if md.Model != "gpt-4o" || md.TokensUsed != 15 || md.SuggestedNextStep != "deploy to staging" || md.TaskCategory != "code" {
		t.Errorf("Metadata = %+v", md)
	}
	if md.OutputSchema != "BuildResult" || len(md.ToolsUsed) != 1 {
		t.Errorf("declared boundary = %q %v", md.OutputSchema, md.ToolsUsed)
	}
	if res.Reflection.ConfidenceLevel != "90%" || res.Reflection.Rationale != "compiled" {
		t.Errorf("Reflection = %+v", res.Reflection)
	}

	req := *sent
	if req["method"] != "tasks/send" || req["jsonrpc"] != "2.0" {
		t.Errorf("request = %v, want tasks/send", req)
	}
	params := req["params"].(map[string]interface{})
	if md := params["metadata"].(map[string]interface{}); md["chain_id"] != "c1" {
		t.Errorf("params.metadata = %v, want execution context", md)
	}
	msg := params["message"].(map[string]interface{})
	text := msg["parts"].([]interface{})[0].(map[string]interface{})["text"]
	if text != "build the app" {
		t.Errorf("message text = %v, want input", text)
	}
}

func TestExecute_UsageInMetadata(t *testing.T) {
	resp := `{"result": {"status": {"state": "completed"}, "artifacts": [{"parts": [{"type": "text", "text": "x"}]}],
	  "metadata": {"usage": {"prompt_tokens": 3, "completion_tokens": 4}}}}`
	srv, _ := newGateway(t, http.StatusOK, resp)
	e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL, APIKey: "secret"})

	res, err := e.Execute(context.Background(), "builder", "x", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Metadata.TokensUsed != 7 {
		t.Errorf("TokensUsed = %d, want 7", res.Metadata.TokensUsed)
	}
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response string
		want     string
	}{
		{"rpc error", http.StatusOK, `{"error": {"code": -32000, "message": "agent crashed"}}`, "agent crashed"},
		{"http error", http.StatusBadGateway, `upstream down`, "502"},
		{"bad json", http.StatusOK, `not json`, "decode"},
		{"failed task", http.StatusOK, `{"result": {"status": {"state": "failed", "message": {"role": "agent", "parts": [{"type": "text", "text": "quota exceeded"}]}}}}`, "quota exceeded"},
		{"no result", http.StatusOK, `{}`, "no result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newGateway(t, tt.status, tt.response)
			e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL, APIKey: "secret"})

			_, err := e.Execute(context.Background(), "builder", "x", nil)
			var execErr *models.ExecutionError
			if !errors.As(err, &execErr) {
				t.Fatalf("Execute() error = %v, want *models.ExecutionError", err)
			}
			if execErr.Agent != "builder" {
				t.Errorf("ExecutionError.Agent = %q, want builder", execErr.Agent)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Execute() error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := e.Execute(context.Background(), "builder", "x", nil)
	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("Execute() error = %v, want *models.ExecutionError", err)
	}
}

func TestReflect(t *testing.T) {
	srv, sent := newGateway(t, http.StatusOK, `{"result": {"status": {"state": "completed"},
	  "artifacts": [{"parts": [{"type": "text", "text": "looks right"}]}],
	  "metadata": {"reflection": {"rationale": "checked the build log", "confidence_level": "high"}}}}`)
	e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL, APIKey: "secret"})

	r, err := e.Reflect(context.Background(), "builder", "build the app", "built ok")
	if err != nil {
		t.Fatalf("Reflect() error = %v", err)
	}
	if r.ConfidenceLevel != "high" || r.Rationale != "checked the build log" {
		t.Errorf("Reflect() = %+v", r)
	}

	params := (*sent)["params"].(map[string]interface{})
	if md := params["metadata"].(map[string]interface{}); md[executor.CtxSelfEvaluation] != true {
		t.Errorf("params.metadata = %v, want self_evaluation", md)
	}
	msg := params["message"].(map[string]interface{})
	text, _ := msg["parts"].([]interface{})[0].(map[string]interface{})["text"].(string)
	if !strings.Contains(text, "build the app") || !strings.Contains(text, "built ok") {
		t.Errorf("message text = %q, want task and response", text)
	}
}

func TestReflect_MissingReflection(t *testing.T) {
	srv, _ := newGateway(t, http.StatusOK, `{"result": {"status": {"state": "completed"},
	  "artifacts": [{"parts": [{"type": "text", "text": "fine"}]}]}}`)
	e := executor.NewA2AExecutor(executor.Config{BaseURL: srv.URL, APIKey: "secret"})

	_, err := e.Reflect(context.Background(), "builder", "x", "y")
	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) || execErr.Agent != "builder" {
		t.Errorf("Reflect() error = %v, want ExecutionError for builder", err)
	}
}
