// Package resolver is the core of the link resolver: it finds or creates the
// Request for an inbound OpenURL, tracks which services have been dispatched
// for it and collects the responses those services contribute.
package resolver

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/store"
)

var (
	// ErrMalformedCitation is returned when no citation can be built from
	// the request parameters.
	ErrMalformedCitation = eris.New("resolver: malformed citation")
	// ErrNoLabels is returned when a response carries no type label.
	ErrNoLabels = eris.New("resolver: response has no type label")
	// ErrUnknownLabel is returned when a response names a label that is not
	// in the vocabulary.
	ErrUnknownLabel = eris.New("resolver: unknown type label")
	// ErrInvalidStatus is returned for a status outside the dispatch states.
	ErrInvalidStatus = eris.New("resolver: invalid dispatch status")
)

// Service is a lookup adaptor that contributes responses to a request.
// Handle returns nil on success; the dispatcher records the outcome.
type Service interface {
	ID() string
	ResultTypes() []model.TypeLabel
	Handle(ctx context.Context, req *Request) error
}

// ServiceCatalog reports the labels a configured service is declared to
// produce, whether or not it has been instantiated.
type ServiceCatalog interface {
	DeclaredTypes(serviceID string) []model.TypeLabel
}

// Options tunes ledger behaviour.
type Options struct {
	// ProtectTerminal keeps successful and failed_fatal records from being
	// moved back to a non-terminal status.
	ProtectTerminal bool
}

// Resolver binds the store, the label vocabulary and the service catalog.
// It is safe for concurrent use.
type Resolver struct {
	store   store.Store
	labels  *model.LabelVocabulary
	catalog ServiceCatalog
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Resolver. catalog may be nil, in which case no service is
// considered to declare any label.
func New(s store.Store, labels *model.LabelVocabulary, catalog ServiceCatalog, opts Options) *Resolver {
	return &Resolver{
		store:   s,
		labels:  labels,
		catalog: catalog,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "resolver")),
		now:     time.Now,
	}
}

// Labels returns the label vocabulary.
func (r *Resolver) Labels() *model.LabelVocabulary { return r.labels }

// Load returns the handle for an existing request, or nil when id is unknown.
func (r *Resolver) Load(ctx context.Context, id string) (*Request, error) {
	m, err := r.store.GetRequest(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: load request %s", id)
	}
	if m == nil {
		return nil, nil
	}
	return r.handle(m), nil
}

func (r *Resolver) handle(m *model.Request) *Request {
	return &Request{Request: m, r: r}
}

// Request is a handle on one stored request. It caches the request's
// dispatch records and responses; the cache is only a snapshot and callers
// that need the authoritative view pass refresh.
type Request struct {
	*model.Request

	r *Resolver

	mu        sync.Mutex
	records   map[string]model.DispatchRecord
	responses []model.Response
	loadedRsp bool
	added     map[string]int
}

// Citation returns the citation bound to the request, or nil if it has been
// purged.
func (q *Request) Citation(ctx context.Context) (*model.Citation, error) {
	c, err := q.r.store.GetCitation(ctx, q.CitationID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: citation for request %s", q.ID)
	}
	return c, nil
}

// ContextObject re-serializes the request as OpenURL 1.0 KEV: the referent
// plus the referrer id and the requestor address. It returns nil when the
// citation has been purged.
func (q *Request) ContextObject(ctx context.Context) (url.Values, error) {
	c, err := q.Citation(ctx)
	if err != nil || c == nil {
		return nil, err
	}

	v := url.Values{
		"url_ver": {"Z39.88-2004"},
		"ctx_ver": {"Z39.88-2004"},
	}
	if c.Format != "" {
		v.Set("rft_val_fmt", "info:ofi/fmt:kev:mtx:"+c.Format)
	}
	for k, val := range c.Metadata {
		v.Add("rft."+k, val)
	}
	for k, vals := range c.Extra {
		for _, val := range vals {
			v.Add("rft."+k, val)
		}
	}
	for _, id := range c.Identifiers {
		v.Add("rft_id", id)
	}

	if q.OriginSourceID != "" {
		src, err := q.r.store.GetOriginSource(ctx, q.OriginSourceID)
		if err != nil {
			return nil, eris.Wrapf(err, "resolver: origin source for request %s", q.ID)
		}
		if src != nil {
			v.Set("rfr_id", src.Identifier)
		}
	}
	if q.ClientIP != "" {
		v.Set(ParamClientIP, q.ClientIP)
	}
	return v, nil
}

// addedBy reports how many responses serviceID added through this handle.
func (q *Request) addedBy(serviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.added[serviceID]
}
