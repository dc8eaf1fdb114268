package resolver

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/metrics"
	"github.com/sells-group/linkresolver/internal/model"
)

// QueueOptions controls QueueEligibleServices.
type QueueOptions struct {
	// RequeueTemporaryFailures queues services whose last run ended in
	// failed_temporary again.
	RequeueTemporaryFailures bool
}

// QueueEligibleServices records every candidate that has not been
// dispatched for req as queued and returns it in queued; candidates that
// already have a record (or lost a race to another scheduler) are returned
// in skipped. Input order is preserved in both lists. A candidate ID that
// appears again is only queued once; later copies land in skipped, so every
// candidate is accounted for in exactly one list.
func QueueEligibleServices(ctx context.Context, req *Request, candidates []Service, opts QueueOptions) (queued, skipped []Service, err error) {
	if err := req.ensureRecords(ctx, true); err != nil {
		return nil, nil, err
	}
	req.mu.Lock()
	existing := make(map[string]model.DispatchRecord, len(req.records))
	for id, rec := range req.records {
		existing[id] = rec
	}
	req.mu.Unlock()

	queued = []Service{}
	skipped = []Service{}
	seen := make(map[string]bool, len(candidates))
	for _, svc := range candidates {
		id := svc.ID()
		if seen[id] {
			skipped = append(skipped, svc)
			metrics.ServicesScheduled.WithLabelValues("skipped").Inc()
			continue
		}
		seen[id] = true

		ok, err := queueOne(ctx, req, id, existing, opts)
		if err != nil {
			return queued, skipped, err
		}
		if ok {
			queued = append(queued, svc)
			metrics.ServicesScheduled.WithLabelValues("queued").Inc()
		} else {
			skipped = append(skipped, svc)
			metrics.ServicesScheduled.WithLabelValues("skipped").Inc()
		}
	}

	if len(queued) > 0 {
		if err := req.ensureRecords(ctx, true); err != nil {
			return queued, skipped, err
		}
	}
	req.r.log.Debug("queued services",
		zap.String("request_id", req.ID),
		zap.Int("queued", len(queued)),
		zap.Int("skipped", len(skipped)),
	)
	return queued, skipped, nil
}

func queueOne(ctx context.Context, req *Request, id string, existing map[string]model.DispatchRecord, opts QueueOptions) (bool, error) {
	rec, found := existing[id]
	switch {
	case !found:
		ok, err := req.r.store.InsertDispatchIfAbsent(ctx, req.ID, id, model.DispatchQueued)
		if err != nil {
			return false, eris.Wrapf(err, "resolver: queue %s", id)
		}
		return ok, nil
	case rec.Status == model.DispatchFailedTemporary && opts.RequeueTemporaryFailures:
		ok, err := req.r.store.CompareAndSetDispatch(ctx, req.ID, id, model.DispatchFailedTemporary, model.DispatchQueued, "")
		if err != nil {
			return false, eris.Wrapf(err, "resolver: requeue %s", id)
		}
		return ok, nil
	default:
		return false, nil
	}
}
