package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/metrics"
	"github.com/sells-group/linkresolver/internal/model"
)

// RecordStatus writes the status of serviceID for this request, creating
// the record on first use. detail replaces any earlier detail.
func (q *Request) RecordStatus(ctx context.Context, serviceID string, status model.DispatchStatus, detail string) (*model.DispatchRecord, error) {
	if !status.Valid() {
		return nil, eris.Wrapf(ErrInvalidStatus, "status %q", status)
	}
	rec, err := q.r.store.UpsertDispatch(ctx, q.ID, serviceID, status, detail, q.r.opts.ProtectTerminal)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: record %s for %s", status, serviceID)
	}
	if rec.Status != status {
		q.r.log.Debug("kept terminal status",
			zap.String("request_id", q.ID),
			zap.String("service", serviceID),
			zap.String("status", string(rec.Status)),
			zap.String("requested", string(status)),
		)
	} else {
		metrics.StatusTransitions.WithLabelValues(serviceID, string(status)).Inc()
	}
	q.cacheRecord(*rec)
	return rec, nil
}

// IsDispatched reports whether serviceID has a record that does not invite
// another attempt, i.e. anything but failed_temporary.
func (q *Request) IsDispatched(ctx context.Context, serviceID string) (bool, error) {
	rec, err := q.lookup(ctx, serviceID)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status != model.DispatchFailedTemporary, nil
}

// CanDispatch reports whether serviceID may be run now: it has no record,
// or it is queued, or its last run failed temporarily.
func (q *Request) CanDispatch(ctx context.Context, serviceID string) (bool, error) {
	rec, err := q.lookup(ctx, serviceID)
	if err != nil {
		return false, err
	}
	return canDispatch(rec), nil
}

func canDispatch(rec *model.DispatchRecord) bool {
	return rec == nil || rec.Status == model.DispatchQueued || rec.Status == model.DispatchFailedTemporary
}

// Claim moves serviceID to in_progress if it may be dispatched and no other
// worker has claimed it first. Only the caller that gets true may run it.
func (q *Request) Claim(ctx context.Context, serviceID string) (bool, error) {
	rec, err := q.lookup(ctx, serviceID)
	if err != nil {
		return false, err
	}
	if !canDispatch(rec) {
		return false, nil
	}

	var ok bool
	if rec == nil {
		ok, err = q.r.store.InsertDispatchIfAbsent(ctx, q.ID, serviceID, model.DispatchInProgress)
	} else {
		ok, err = q.r.store.CompareAndSetDispatch(ctx, q.ID, serviceID, rec.Status, model.DispatchInProgress, "")
	}
	if err != nil {
		return false, eris.Wrapf(err, "resolver: claim %s", serviceID)
	}
	if _, err := q.lookup(ctx, serviceID); err != nil {
		return false, err
	}
	if ok {
		metrics.StatusTransitions.WithLabelValues(serviceID, string(model.DispatchInProgress)).Inc()
	}
	return ok, nil
}

// Records returns the request's dispatch records ordered by service ID.
// With refresh the cache is reloaded from storage first.
func (q *Request) Records(ctx context.Context, refresh bool) ([]model.DispatchRecord, error) {
	if err := q.ensureRecords(ctx, refresh); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.DispatchRecord, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

// FailedDispatches returns the cached records in either failure state.
func (q *Request) FailedDispatches(ctx context.Context) ([]model.DispatchRecord, error) {
	return q.filterRecords(ctx, model.DispatchStatus.Failed)
}

// AnyInProgress reports whether any cached record is queued or running.
func (q *Request) AnyInProgress(ctx context.Context) (bool, error) {
	active, err := q.filterRecords(ctx, model.DispatchStatus.Active)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// Complete reports, from storage, whether nothing is queued or running.
func (q *Request) Complete(ctx context.Context) (bool, error) {
	if err := q.ensureRecords(ctx, true); err != nil {
		return false, err
	}
	active, err := q.AnyInProgress(ctx)
	return !active, err
}

// ExpireStale marks queued and in_progress records that have not been
// updated within olderThan as failed_temporary, so an abandoned run can be
// requeued. It returns the IDs of the services it expired.
func (q *Request) ExpireStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, nil
	}
	recs, err := q.Records(ctx, true)
	if err != nil {
		return nil, err
	}

	cutoff := q.r.now().Add(-olderThan)
	detail := fmt.Sprintf("stale: no status update within %s", olderThan)
	var expired []string
	for _, rec := range recs {
		if !rec.Status.Active() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := q.r.store.CompareAndSetDispatch(ctx, q.ID, rec.ServiceID, rec.Status, model.DispatchFailedTemporary, detail)
		if err != nil {
			return expired, eris.Wrapf(err, "resolver: expire %s", rec.ServiceID)
		}
		if !ok {
			continue
		}
		expired = append(expired, rec.ServiceID)
		metrics.StatusTransitions.WithLabelValues(rec.ServiceID, string(model.DispatchFailedTemporary)).Inc()
		q.r.log.Warn("expired stale dispatch",
			zap.String("request_id", q.ID),
			zap.String("service", rec.ServiceID),
			zap.String("status", string(rec.Status)),
		)
	}
	if len(expired) > 0 {
		if err := q.ensureRecords(ctx, true); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

func (q *Request) filterRecords(ctx context.Context, keep func(model.DispatchStatus) bool) ([]model.DispatchRecord, error) {
	all, err := q.Records(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]model.DispatchRecord, 0, len(all))
	for _, rec := range all {
		if keep(rec.Status) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// lookup reads one record from storage and refreshes its cache entry.
func (q *Request) lookup(ctx context.Context, serviceID string) (*model.DispatchRecord, error) {
	rec, err := q.r.store.GetDispatch(ctx, q.ID, serviceID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: dispatch record for %s", serviceID)
	}
	if rec != nil {
		q.cacheRecord(*rec)
	}
	return rec, nil
}

func (q *Request) ensureRecords(ctx context.Context, refresh bool) error {
	q.mu.Lock()
	loaded := q.records != nil
	q.mu.Unlock()
	if loaded && !refresh {
		return nil
	}

	recs, err := q.r.store.ListDispatches(ctx, q.ID)
	if err != nil {
		return eris.Wrapf(err, "resolver: load dispatch records for %s", q.ID)
	}
	m := make(map[string]model.DispatchRecord, len(recs))
	for _, rec := range recs {
		m[rec.ServiceID] = rec
	}
	q.mu.Lock()
	q.records = m
	q.mu.Unlock()
	return nil
}

func (q *Request) cacheRecord(rec model.DispatchRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.records == nil {
		// The rest of the set is loaded lazily; a partial map would hide it.
		return
	}
	q.records[rec.ServiceID] = rec
}
