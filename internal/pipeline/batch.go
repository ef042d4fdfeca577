package pipeline

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/querygate/querygate/internal/observability"
)

// QueryBatch answers each request independently. Requests share the worker
// pool with single queries, so a batch never runs more than the configured
// number of pipelines at once. Every item gets its own request id; the trace
// id stays shared. Envelopes are returned in request order.
func (s *Service) QueryBatch(ctx context.Context, reqs []QueryRequest) []Envelope {
	envelopes := make([]Envelope, len(reqs))
	var group errgroup.Group
	for i, req := range reqs {
		group.Go(func() error {
			itemCtx := observability.ContextWithRequestID(ctx, uuid.NewString())
			envelopes[i] = s.Query(itemCtx, req)
			return nil
		})
	}
	_ = group.Wait()
	return envelopes
}
