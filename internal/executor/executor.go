// Package executor runs agent steps over the A2A protocol.
//
// Every step is sent as a JSON-RPC "tasks/send" request to the agent's
// stable gateway URL ({base}/agents/{name}/a2a). The gateway resolves the
// backend, so the conductor never needs to know whether an agent is a
// managed process or an external endpoint.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentoven/conductor/internal/telemetry"
	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/agentoven/conductor/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds one A2A call, retries of the remote side included.
const DefaultTimeout = 120 * time.Second

type Config struct {
	BaseURL string
	Timeout time.Duration
	APIKey  string
	Client  *http.Client // overrides Timeout when set
}

// A2AExecutor implements contracts.AgentExecutor against an A2A gateway.
type A2AExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewA2AExecutor(cfg Config) *A2AExecutor {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &A2AExecutor{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

var (
	_ contracts.AgentExecutor = (*A2AExecutor)(nil)
	_ contracts.Reflector     = (*A2AExecutor)(nil)
)

// ── Wire types ──────────────────────────────────────────────

type rpcRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  taskParams `json:"params"`
	ID      string     `json:"id"`
}

type taskParams struct {
	ID       string                 `json:"id"`
	Message  message                `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type message struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type rpcResponse struct {
	Result *taskResult `json:"result"`
	Error  *rpcError   `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type taskResult struct {
	Status struct {
		State   string   `json:"state"`
		Message *message `json:"message,omitempty"`
	} `json:"status"`
	Artifacts []struct {
		Parts []part `json:"parts"`
	} `json:"artifacts"`
	Usage    *usage       `json:"usage,omitempty"`
	Metadata taskMetadata `json:"metadata"`
}

type usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// taskMetadata is what agents report next to their artifacts. Step
// metadata fields sit at the top level; usage may also be nested here.
type taskMetadata struct {
	models.StepMetadata
	Usage      *usage             `json:"usage,omitempty"`
	Reflection *models.Reflection `json:"reflection,omitempty"`
}

// ── Execute ─────────────────────────────────────────────────

// Execute sends one tasks/send call for agentName. Every failure is
// returned as *models.ExecutionError.
func (e *A2AExecutor) Execute(ctx context.Context, agentName, inputText string, execCtx map[string]interface{}) (*models.ExecutionResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "a2a.tasks/send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("conductor.agent", agentName)),
	)
	defer span.End()

	start := time.Now()
	res, err := e.execute(ctx, agentName, inputText, execCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Str("agent", agentName).Dur("duration", time.Since(start)).Msg("A2A task failed")
		return nil, &models.ExecutionError{Agent: agentName, Err: err}
	}
	span.SetAttributes(attribute.Int64("conductor.tokens", res.Metadata.TokensUsed))
	log.Debug().
		Str("agent", agentName).
		Int64("tokens", res.Metadata.TokensUsed).
		Dur("duration", time.Since(start)).
		Msg("A2A task completed")
	return res, nil
}

func (e *A2AExecutor) execute(ctx context.Context, agentName, inputText string, execCtx map[string]interface{}) (*models.ExecutionResult, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "tasks/send",
		Params: taskParams{
			ID:       uuid.New().String(),
			Message:  message{Role: "user", Parts: []part{{Type: "text", Text: inputText}}},
			Metadata: execCtx,
		},
		ID: uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode A2A request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/agents/%s/a2a", e.baseURL, url.PathEscape(agentName))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create A2A request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("A2A request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("A2A gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode A2A response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("A2A error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil {
		return nil, fmt.Errorf("A2A response has no result")
	}
	return toResult(rpcResp.Result)
}

// ── Reflect ─────────────────────────────────────────────────

// CtxSelfEvaluation marks a tasks/send call that only asks for a reflection.
const CtxSelfEvaluation = "self_evaluation"

// ReflectPrompt asks the agent to score a previous answer without redoing it.
func ReflectPrompt(inputText, outputText string) string {
	return fmt.Sprintf("Evaluate your previous response to the task below. Do not redo the task.\n"+
		"Report your rationale, confidence level and likely failure points.\n\n"+
		"Task:\n%s\n\nResponse:\n%s", inputText, outputText)
}

// Reflect asks agentName to self-evaluate outputText. The agent must return
// a reflection in the task metadata; a bare text answer is an error.
func (e *A2AExecutor) Reflect(ctx context.Context, agentName, inputText, outputText string) (models.Reflection, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "a2a.reflect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("conductor.agent", agentName)),
	)
	defer span.End()

	res, err := e.execute(ctx, agentName, ReflectPrompt(inputText, outputText),
		map[string]interface{}{CtxSelfEvaluation: true})
	if err == nil && res.Reflection == (models.Reflection{}) {
		err = fmt.Errorf("agent returned no reflection")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Reflection{}, &models.ExecutionError{Agent: agentName, Err: err}
	}
	return res.Reflection, nil
}

// toResult flattens an A2A task into an execution result.
func toResult(r *taskResult) (*models.ExecutionResult, error) {
	if r.Status.State == "failed" || r.Status.State == "canceled" {
		return nil, fmt.Errorf("A2A task %s: %s", r.Status.State, messageText(r.Status.Message))
	}

	var texts []string
	for _, art := range r.Artifacts {
		for _, p := range art.Parts {
			if p.Type == "text" && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	output := strings.Join(texts, "\n")
	if output == "" {
		output = messageText(r.Status.Message)
	}

	md := r.Metadata.StepMetadata
	u := r.Usage
	if u == nil {
		u = r.Metadata.Usage
	}
	if u != nil && md.TokensUsed == 0 {
		md.TokensUsed = u.TotalTokens
		if md.TokensUsed == 0 {
			md.TokensUsed = u.PromptTokens + u.CompletionTokens
		}
	}

	res := &models.ExecutionResult{OutputText: output, Metadata: md}
	if r.Metadata.Reflection != nil {
		res.Reflection = *r.Metadata.Reflection
	}
	return res, nil
}

func messageText(m *message) string {
	if m == nil {
		return ""
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
