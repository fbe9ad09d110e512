package orchestrator

import (
	"fmt"
	"strings"

	"github.com/agentoven/conductor/pkg/models"
)

// Keys of the execution context handed to a continuation step.
const (
	CtxPreviousAgent      = "previous_agent"
	CtxPreviousOutput     = "previous_output"
	CtxPreviousReflection = "previous_reflection"
	CtxTaskCategory       = "task_category"
	CtxTags               = "tags"
	CtxChainID            = "chain_id"
	CtxStepNumber         = "step_number"
)

// ContinuationInput is the input of the agent that picks up after prev.
func ContinuationInput(prev *models.ChainStep, next string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, continuing a task handed over by %s.\n\n", next, prev.AgentName)
	fmt.Fprintf(&sb, "Output of %s:\n%s\n\n", prev.AgentName, prev.OutputText)
	fmt.Fprintf(&sb, "Suggested next step:\n%s", prev.Metadata.SuggestedNextStep)
	return sb.String()
}

// ContinuationContext extends the caller's context with what the next
// agent needs to know about the previous step.
func ContinuationContext(base map[string]interface{}, prev *models.ChainStep, chainID string, nextStep int) map[string]interface{} {
	out := copyContext(base)
	out[CtxPreviousAgent] = prev.AgentName
	out[CtxPreviousOutput] = prev.OutputText
	out[CtxPreviousReflection] = prev.Reflection
	out[CtxTaskCategory] = prev.Metadata.TaskCategory
	out[CtxTags] = append([]string(nil), prev.Metadata.Tags...)
	out[CtxChainID] = chainID
	out[CtxStepNumber] = nextStep
	return out
}
