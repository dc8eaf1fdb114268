package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/linkresolver/internal/model"
)

func TestRecordStatus_Transitions(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	rec, err := req.RecordStatus(ctx, "archive", model.DispatchInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchInProgress, rec.Status)

	rec, err = req.RecordStatus(ctx, "archive", model.DispatchFailedTemporary, "upstream 503")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchFailedTemporary, rec.Status)
	assert.Equal(t, "upstream 503", rec.Detail)

	rec, err = req.RecordStatus(ctx, "archive", model.DispatchSuccessful, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSuccessful, rec.Status)
	assert.Empty(t, rec.Detail, "detail is replaced, not kept")

	recs, err := req.Records(ctx, true)
	require.NoError(t, err)
	require.Len(t, recs, 1, "one record per request and service")
}

func TestRecordStatus_InvalidStatus(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	_, err := req.RecordStatus(context.Background(), "archive", model.DispatchStatus("done"), "")
	assert.True(t, eris.Is(err, ErrInvalidStatus))
}

func TestRecordStatus_ProtectsTerminal(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	_, err := req.RecordStatus(ctx, "archive", model.DispatchSuccessful, "")
	require.NoError(t, err)

	rec, err := req.RecordStatus(ctx, "archive", model.DispatchQueued, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchSuccessful, rec.Status)

	rec, err = req.RecordStatus(ctx, "archive", model.DispatchFailedFatal, "late failure")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchFailedFatal, rec.Status, "terminal to terminal is last write wins")
}

func TestRecordStatus_UnprotectedAllowsAnyTransition(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	r.opts.ProtectTerminal = false
	req := newTestRequest(t, r)

	_, err := req.RecordStatus(ctx, "archive", model.DispatchSuccessful, "")
	require.NoError(t, err)
	rec, err := req.RecordStatus(ctx, "archive", model.DispatchQueued, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispatchQueued, rec.Status)
}

func TestCanDispatchGate(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)
	r.opts.ProtectTerminal = false

	tests := []struct {
		status     model.DispatchStatus
		can        bool
		dispatched bool
	}{
		{model.DispatchQueued, true, true},
		{model.DispatchInProgress, false, true},
		{model.DispatchSuccessful, false, true},
		{model.DispatchFailedTemporary, true, false},
		{model.DispatchFailedFatal, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			_, err := req.RecordStatus(ctx, "svc", tt.status, "")
			require.NoError(t, err)

			can, err := req.CanDispatch(ctx, "svc")
			require.NoError(t, err)
			assert.Equal(t, tt.can, can)

			dispatched, err := req.IsDispatched(ctx, "svc")
			require.NoError(t, err)
			assert.Equal(t, tt.dispatched, dispatched)
		})
	}

	can, err := req.CanDispatch(ctx, "never_seen")
	require.NoError(t, err)
	assert.True(t, can)
	dispatched, err := req.IsDispatched(ctx, "never_seen")
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestClaim_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	_, err := req.RecordStatus(ctx, "archive", model.DispatchQueued, "")
	require.NoError(t, err)

	ok, err := req.Claim(ctx, "archive")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = req.Claim(ctx, "archive")
	require.NoError(t, err)
	assert.False(t, ok, "in_progress cannot be claimed again")

	ok, err = req.Claim(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok, "no record can be claimed")
}

func TestFailedDispatchesAndComplete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	done, err := req.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, done, "nothing dispatched yet")

	for svc, status := range map[string]model.DispatchStatus{
		"a": model.DispatchSuccessful,
		"b": model.DispatchFailedTemporary,
		"c": model.DispatchFailedFatal,
		"d": model.DispatchInProgress,
	} {
		_, err := req.RecordStatus(ctx, svc, status, "")
		require.NoError(t, err)
	}

	failed, err := req.FailedDispatches(ctx)
	require.NoError(t, err)
	var failedIDs []string
	for _, rec := range failed {
		failedIDs = append(failedIDs, rec.ServiceID)
	}
	assert.Equal(t, []string{"b", "c"}, failedIDs)

	busy, err := req.AnyInProgress(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	done, err = req.Complete(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = req.RecordStatus(ctx, "d", model.DispatchSuccessful, "")
	require.NoError(t, err)
	done, err = req.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)

	_, err := req.RecordStatus(ctx, "stuck", model.DispatchInProgress, "")
	require.NoError(t, err)
	_, err = req.RecordStatus(ctx, "waiting", model.DispatchQueued, "")
	require.NoError(t, err)
	_, err = req.RecordStatus(ctx, "done", model.DispatchSuccessful, "")
	require.NoError(t, err)

	expired, err := req.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, expired, "fresh records are left alone")

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	expired, err = req.ExpireStale(ctx, time.Minute)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stuck", "waiting"}, expired)

	recs, err := req.Records(ctx, false)
	require.NoError(t, err)
	for _, rec := range recs {
		switch rec.ServiceID {
		case "done":
			assert.Equal(t, model.DispatchSuccessful, rec.Status)
		default:
			assert.Equal(t, model.DispatchFailedTemporary, rec.Status)
			assert.Contains(t, rec.Detail, "stale: no status update within 1m0s")
		}
	}

	can, err := req.CanDispatch(ctx, "stuck")
	require.NoError(t, err)
	assert.True(t, can, "an expired run may be dispatched again")
}

func TestExpireStale_Disabled(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	req := newTestRequest(t, r)
	expired, err := req.ExpireStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, expired)
}
