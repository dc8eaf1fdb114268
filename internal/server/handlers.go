package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/resolver"
)

// ResolveResult is the body returned by GET /resolve.
type ResolveResult struct {
	RequestID string   `json:"request_id"`
	Queued    []string `json:"queued"`
	Skipped   []string `json:"skipped"`
	Poll      string   `json:"poll"`
}

// StatusResult is the polling view of one request.
type StatusResult struct {
	Request    *model.Request                       `json:"request"`
	Citation   *model.Citation                      `json:"citation,omitempty"`
	Services   []model.DispatchRecord               `json:"services"`
	Responses  map[model.TypeLabel][]model.Response `json:"responses"`
	InProgress []string                             `json:"in_progress"`
	Complete   bool                                 `json:"complete"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.log.Warn("health: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()
	if len(params) == 0 {
		writeError(w, http.StatusBadRequest, "no OpenURL parameters")
		return
	}

	in := resolver.Inbound{
		Params:    params,
		SessionID: s.sessionID(w, r),
		Transport: resolver.Transport{
			RemoteAddr: r.RemoteAddr,
			Header:     r.Header,
			RequestURI: r.RequestURI,
			Host:       r.Host,
		},
	}

	req, err := s.deps.Resolver.Resolve(ctx, in, true)
	if err != nil {
		s.fail(w, err)
		return
	}

	if stale := s.deps.Dispatch.StaleAfterSecs; stale > 0 {
		if _, err := req.ExpireStale(ctx, time.Duration(stale)*time.Second); err != nil {
			s.fail(w, err)
			return
		}
	}

	var candidates []resolver.Service
	if s.deps.Candidates != nil {
		candidates = s.deps.Candidates.DetermineServices(params)
	}
	queued, skipped, err := resolver.QueueEligibleServices(ctx, req, candidates, resolver.QueueOptions{
		RequeueTemporaryFailures: s.deps.Dispatch.RequeueTemporaryFailures,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	s.dispatch(ctx, req, queued)

	writeJSON(w, http.StatusAccepted, ResolveResult{
		RequestID: req.ID,
		Queued:    serviceIDs(queued),
		Skipped:   serviceIDs(skipped),
		Poll:      "/requests/" + req.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	view, err := Status(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Status builds the polling view of req from authoritative ledger and
// response reads.
func Status(ctx context.Context, req *resolver.Request) (*StatusResult, error) {
	records, err := req.Records(ctx, true)
	if err != nil {
		return nil, err
	}
	responses, err := req.Responses(ctx, true)
	if err != nil {
		return nil, err
	}
	citation, err := req.Citation(ctx)
	if err != nil {
		return nil, err
	}
	inProgress, err := req.RespondersInProgress(ctx)
	if err != nil {
		return nil, err
	}
	complete, err := req.Complete(ctx)
	if err != nil {
		return nil, err
	}

	grouped := make(map[model.TypeLabel][]model.Response)
	for _, rsp := range responses {
		for _, l := range rsp.Labels {
			grouped[l] = append(grouped[l], rsp)
		}
	}
	if records == nil {
		records = []model.DispatchRecord{}
	}

	return &StatusResult{
		Request:    req.Request,
		Citation:   citation,
		Services:   records,
		Responses:  grouped,
		InProgress: inProgress,
		Complete:   complete,
	}, nil
}

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}

	var (
		out []model.Response
		err error
	)
	if typ := strings.TrimSpace(r.URL.Query().Get("type")); typ != "" {
		label, known := s.deps.Resolver.Labels().Lookup(typ)
		if !known {
			writeError(w, http.StatusBadRequest, "unknown type label "+typ)
			return
		}
		out, err = req.ResponsesByType(ctx, label.Name, true)
	} else {
		out, err = req.Responses(ctx, true)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if out == nil {
		out = []model.Response{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadRequest(w http.ResponseWriter, r *http.Request) (*resolver.Request, bool) {
	id := chi.URLParam(r, "id")
	req, err := s.deps.Resolver.Load(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "request not found")
		return nil, false
	}
	return req, true
}

// fail maps resolver errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, resolver.ErrMalformedCitation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func serviceIDs(services []resolver.Service) []string {
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID())
	}
	sort.Strings(ids)
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
