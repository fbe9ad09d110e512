package orchestrator

import (
	"context"

	"github.com/agentoven/conductor/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one chain of a batch.
type BatchResult struct {
	Chain *models.Chain `json:"chain,omitempty"`
	Error string        `json:"error,omitempty"`
	Err   error         `json:"-"`
}

// RunBatch runs independent chains concurrently, at most concurrency at a
// time (the configured default when <= 0). Results keep the request order.
// A failing chain never cancels the others.
func (o *Orchestrator) RunBatch(ctx context.Context, reqs []models.OrchestrateRequest, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = o.cfg.BatchConcurrency
	}
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			chain, err := o.Orchestrate(ctx, req)
			results[i] = BatchResult{Chain: chain, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().Int("chains", len(reqs)).Int("concurrency", concurrency).Msg("Batch finished")
	return results
}
