package orchestrator

import (
	"context"

	"github.com/agentoven/conductor/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Forward starts the forwarded request as a brand-new chain in its own
// goroutine. The new chain is detached from ctx's cancellation; Wait
// blocks until all forwarded chains have finished.
func (o *Orchestrator) Forward(ctx context.Context, fr contracts.ForwardRequest) error {
	req := fr.Request
	if req.InitialAgent == "" {
		req.InitialAgent = fr.Target
	}
	detached := context.WithoutCancel(ctx)

	o.forwards.Add(1)
	go func() {
		defer o.forwards.Done()
		chain, err := o.Orchestrate(detached, req)
		evt := log.Info()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		if chain != nil {
			evt = evt.Str("chain_id", chain.ID).Str("status", string(chain.Status))
		}
		evt.Str("escalation_id", fr.EscalationID).Str("agent", req.InitialAgent).Msg("Forwarded escalation finished")
	}()
	return nil
}

// Wait blocks until every forwarded chain has returned.
func (o *Orchestrator) Wait() {
	o.forwards.Wait()
}

var _ contracts.Forwarder = (*Orchestrator)(nil)
var _ contracts.OrchestratorService = (*Orchestrator)(nil)
