package resolver

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/citation"
	"github.com/sells-group/linkresolver/internal/fingerprint"
	"github.com/sells-group/linkresolver/internal/metrics"
	"github.com/sells-group/linkresolver/internal/model"
)

// Parameters the resolver reads for its own routing.
const (
	ParamRequestID    = fingerprint.Namespace + "request_id"
	ParamCitationID   = fingerprint.Namespace + "citation_id"
	ParamServiceGroup = fingerprint.Namespace + "service_group"
	// ParamClientIP simulates a client address for testing.
	ParamClientIP = "req.ip"
)

// Transport is the subset of the inbound HTTP exchange kept with a request.
type Transport struct {
	RemoteAddr string
	Header     http.Header
	RequestURI string
	Host       string
}

// Inbound is one resolution request as it reaches the resolver.
type Inbound struct {
	Params    url.Values
	SessionID string
	Transport Transport
}

// ClientIP returns the address the request is attributed to and whether it
// was supplied by the req.ip parameter and differs from the connection.
func (in Inbound) ClientIP() (string, bool) {
	addr := in.Transport.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := strings.TrimSpace(in.Params.Get(ParamClientIP)); ip != "" {
		return ip, ip != addr
	}
	return addr, false
}

// HTTPEnv snapshots the transport as CGI-style variables: every header as
// HTTP_<NAME> except cookies, plus REQUEST_URI and SERVER_NAME.
func (t Transport) HTTPEnv() map[string]string {
	env := make(map[string]string, len(t.Header)+2)
	for name, vs := range t.Header {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if key == "HTTP_COOKIE" {
			continue
		}
		env[key] = strings.Join(vs, ", ")
	}
	if t.RequestURI != "" {
		env["REQUEST_URI"] = t.RequestURI
	}
	if t.Host != "" {
		env["SERVER_NAME"] = t.Host
	}
	return env
}

// Resolve finds the request the inbound parameters refer to, or creates it
// when allowCreate is set. Without allowCreate a miss returns (nil, nil).
//
// An explicit resolver.request_id wins; otherwise a request from the same
// session with the same fingerprint and client address is reused. A reused
// request whose citation has been purged is bound to a fresh one.
func (r *Resolver) Resolve(ctx context.Context, in Inbound, allowCreate bool) (*Request, error) {
	params := in.Params
	if params == nil {
		params = url.Values{}
	}
	clientIP, simulated := in.ClientIP()

	var existing *model.Request
	if id := params.Get(ParamRequestID); id != "" {
		m, err := r.store.GetRequest(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: request %s", id)
		}
		existing = m
	}

	// Fingerprint the same parameter family the citation is parsed from.
	fp := fingerprint.Fingerprint(citation.ContextObjectParams(params))
	if existing == nil && fp != "" {
		m, err := r.store.FindRequest(ctx, in.SessionID, fp, clientIP)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: find request")
		}
		existing = m
	}

	if existing != nil {
		if err := r.reattachCitation(ctx, existing, params); err != nil {
			return nil, err
		}
		metrics.RequestsTotal.WithLabelValues("reused").Inc()
		return r.handle(existing), nil
	}

	if !allowCreate {
		return nil, nil
	}

	cit, origin, err := r.citationFor(ctx, params)
	if err != nil {
		return nil, err
	}

	req := &model.Request{
		SessionID:           in.SessionID,
		ClientIP:            clientIP,
		ClientIPIsSimulated: simulated,
		Fingerprint:         fp,
		CitationID:          cit.ID,
		HTTPEnv:             in.Transport.HTTPEnv(),
	}
	if origin != nil {
		src, err := r.store.FindOrCreateOriginSource(ctx, origin.Identifier)
		if err != nil {
			return nil, eris.Wrap(err, "resolver: origin source")
		}
		req.OriginSourceID = src.ID
	}

	stored, created, err := r.store.CreateRequest(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: create request")
	}
	outcome := "created"
	if !created {
		outcome = "reused"
	}
	metrics.RequestsTotal.WithLabelValues(outcome).Inc()
	r.log.Info("resolved request",
		zap.String("request_id", stored.ID),
		zap.String("outcome", outcome),
		zap.String("citation_id", stored.CitationID),
		zap.Bool("simulated_ip", stored.ClientIPIsSimulated),
	)
	return r.handle(stored), nil
}

// citationFor returns the citation named by resolver.citation_id when it
// still exists, or one parsed from params.
func (r *Resolver) citationFor(ctx context.Context, params url.Values) (*model.Citation, *model.OriginSource, error) {
	origin := citation.Origin(params)
	if id := params.Get(ParamCitationID); id != "" {
		c, err := r.store.GetCitation(ctx, id)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "resolver: citation %s", id)
		}
		if c != nil {
			return c, origin, nil
		}
	}
	c, err := r.parseCitation(ctx, params)
	if err != nil {
		return nil, nil, err
	}
	return c, origin, nil
}

func (r *Resolver) parseCitation(ctx context.Context, params url.Values) (*model.Citation, error) {
	parsed, _, err := citation.Parse(params)
	if err != nil {
		if eris.Is(err, citation.ErrMalformed) {
			return nil, eris.Wrapf(ErrMalformedCitation, "%s (params: %s)", err.Error(), paramKeys(params))
		}
		return nil, eris.Wrap(err, "resolver: parse citation")
	}
	c, err := r.store.FindOrCreateCitation(ctx, parsed)
	if err != nil {
		return nil, eris.Wrap(err, "resolver: store citation")
	}
	return c, nil
}

func (r *Resolver) reattachCitation(ctx context.Context, m *model.Request, params url.Values) error {
	c, err := r.store.GetCitation(ctx, m.CitationID)
	if err != nil {
		return eris.Wrapf(err, "resolver: citation for request %s", m.ID)
	}
	if c != nil {
		return nil
	}

	fresh, err := r.parseCitation(ctx, params)
	if err != nil {
		return err
	}
	if err := r.store.UpdateRequestCitation(ctx, m.ID, fresh.ID); err != nil {
		return eris.Wrapf(err, "resolver: reattach citation to %s", m.ID)
	}
	r.log.Info("reattached purged citation",
		zap.String("request_id", m.ID),
		zap.String("old_citation_id", m.CitationID),
		zap.String("citation_id", fresh.ID),
	)
	m.CitationID = fresh.ID
	return nil
}

func paramKeys(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
