package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/model"
)

// Payload keys with special meaning to AddResponse.
const (
	// keyServiceTypeValue names one label (or a list) inline in the payload.
	keyServiceTypeValue = "service_type_value"
	// keyServiceData holds a nested map merged into the top level.
	keyServiceData = "service_data"
	// keyLegacyKey is the old name of response_key.
	keyLegacyKey = "key"
)

// AddResponse stores one response from serviceID tagged with labels plus any
// label named by the payload's service_type_value. At least one label is
// required and every label must be in the vocabulary. It returns the new
// response's ID.
func (q *Request) AddResponse(ctx context.Context, serviceID string, labels []model.TypeLabel, payload model.Payload) (string, error) {
	data, extra, err := normalizePayload(payload)
	if err != nil {
		return "", err
	}

	all := make([]model.TypeLabel, 0, len(labels)+len(extra))
	all = append(all, labels...)
	all = append(all, extra...)

	resolved := make([]model.TypeLabel, 0, len(all))
	seen := make(map[model.TypeLabel]bool, len(all))
	for _, l := range all {
		lbl, ok := q.r.labels.Lookup(string(l))
		if !ok {
			return "", eris.Wrapf(ErrUnknownLabel, "label %q from %s", l, serviceID)
		}
		if seen[lbl.Name] {
			continue
		}
		seen[lbl.Name] = true
		resolved = append(resolved, lbl.Name)
	}
	if len(resolved) == 0 {
		return "", eris.Wrapf(ErrNoLabels, "response from %s", serviceID)
	}

	stored, err := q.r.store.CreateResponse(ctx, &model.Response{
		RequestID: q.ID,
		ServiceID: serviceID,
		Labels:    resolved,
		Payload:   data,
	})
	if err != nil {
		return "", eris.Wrapf(err, "resolver: add response from %s", serviceID)
	}

	q.mu.Lock()
	if q.loadedRsp {
		q.responses = append(q.responses, *stored)
	}
	if q.added == nil {
		q.added = make(map[string]int)
	}
	q.added[serviceID]++
	q.mu.Unlock()

	q.r.log.Debug("added response",
		zap.String("request_id", q.ID),
		zap.String("service", serviceID),
		zap.String("response_id", stored.ID),
	)
	return stored.ID, nil
}

// normalizePayload copies p, pulling out inline labels, flattening
// service_data and renaming the legacy key field.
func normalizePayload(p model.Payload) (model.Payload, []model.TypeLabel, error) {
	out := make(model.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}

	var labels []model.TypeLabel
	if v, ok := out[keyServiceTypeValue]; ok {
		delete(out, keyServiceTypeValue)
		switch t := v.(type) {
		case string:
			labels = append(labels, model.TypeLabel(t))
		case model.TypeLabel:
			labels = append(labels, t)
		case []string:
			for _, s := range t {
				labels = append(labels, model.TypeLabel(s))
			}
		case []model.TypeLabel:
			labels = append(labels, t...)
		case []any:
			for _, x := range t {
				labels = append(labels, model.TypeLabel(fmt.Sprint(x)))
			}
		case nil:
		default:
			return nil, nil, eris.Errorf("resolver: %s has unsupported type %T", keyServiceTypeValue, v)
		}
	}

	if v, ok := out[keyServiceData]; ok {
		delete(out, keyServiceData)
		switch t := v.(type) {
		case map[string]any:
			for k, x := range t {
				out[k] = x
			}
		case model.Payload:
			for k, x := range t {
				out[k] = x
			}
		case map[string]string:
			for k, x := range t {
				out[k] = x
			}
		case nil:
		default:
			return nil, nil, eris.Errorf("resolver: %s has unsupported type %T", keyServiceData, v)
		}
	}

	if v, ok := out[keyLegacyKey]; ok {
		delete(out, keyLegacyKey)
		out[model.PayloadResponseKey] = v
	}
	return out, labels, nil
}

// Responses returns all responses in creation order. Without refresh the
// cached snapshot is used, loading it once if needed.
func (q *Request) Responses(ctx context.Context, refresh bool) ([]model.Response, error) {
	if err := q.ensureResponses(ctx, refresh); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Response, len(q.responses))
	copy(out, q.responses)
	return out, nil
}

// ResponsesByType returns the responses tagged with label in creation
// order. With refresh the result comes straight from storage and the cache
// is left alone. The result is never nil.
func (q *Request) ResponsesByType(ctx context.Context, label model.TypeLabel, refresh bool) ([]model.Response, error) {
	if lbl, ok := q.r.labels.Lookup(string(label)); ok {
		label = lbl.Name
	}
	if refresh {
		rsp, err := q.r.store.ListResponses(ctx, q.ID, label)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: responses of type %s", label)
		}
		if rsp == nil {
			rsp = []model.Response{}
		}
		return rsp, nil
	}

	all, err := q.Responses(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]model.Response, 0, len(all))
	for i := range all {
		if all[i].HasLabel(label) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// RespondersInProgress returns the sorted IDs of services that are queued or
// running, from the cached record set.
func (q *Request) RespondersInProgress(ctx context.Context) ([]string, error) {
	active, err := q.filterRecords(ctx, model.DispatchStatus.Active)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, rec := range active {
		ids = append(ids, rec.ServiceID)
	}
	sort.Strings(ids)
	return ids, nil
}

// AnyTypeInProgress reports whether a queued or running service is declared
// to produce any of labels.
func (q *Request) AnyTypeInProgress(ctx context.Context, labels ...model.TypeLabel) (bool, error) {
	if q.r.catalog == nil || len(labels) == 0 {
		return false, nil
	}
	ids, err := q.RespondersInProgress(ctx)
	if err != nil {
		return false, err
	}
	want := make(map[model.TypeLabel]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	for _, id := range ids {
		for _, l := range q.r.catalog.DeclaredTypes(id) {
			if want[l] {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *Request) ensureResponses(ctx context.Context, refresh bool) error {
	q.mu.Lock()
	loaded := q.loadedRsp
	q.mu.Unlock()
	if loaded && !refresh {
		return nil
	}

	rsp, err := q.r.store.ListResponses(ctx, q.ID, "")
	if err != nil {
		return eris.Wrapf(err, "resolver: load responses for %s", q.ID)
	}
	q.mu.Lock()
	q.responses = rsp
	q.loadedRsp = true
	q.mu.Unlock()
	return nil
}
