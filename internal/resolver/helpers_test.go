package resolver

import (
	"context"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/store"
)

const bookQuery = "url_ver=Z39.88-2004&rft_val_fmt=info:ofi/fmt:kev:mtx:book&rft.btitle=Moby+Dick&rft.au=Melville,+Herman&rfr_id=info:sid/catalog.example.edu"

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

type staticCatalog map[string][]model.TypeLabel

func (c staticCatalog) DeclaredTypes(id string) []model.TypeLabel { return c[id] }

func newTestResolver(t *testing.T, catalog ServiceCatalog) (*Resolver, store.Store) {
	t.Helper()
	s := newTestStore(t)
	return New(s, model.NewLabelVocabulary(registry.DefaultLabels), catalog, Options{ProtectTerminal: true}), s
}

func mustParse(t *testing.T, q string) url.Values {
	t.Helper()
	v, err := url.ParseQuery(q)
	require.NoError(t, err)
	return v
}

func inbound(t *testing.T, q, session, remote string) Inbound {
	t.Helper()
	return Inbound{
		Params:    mustParse(t, q),
		SessionID: session,
		Transport: Transport{RemoteAddr: remote},
	}
}

func newTestRequest(t *testing.T, r *Resolver) *Request {
	t.Helper()
	req, err := r.Resolve(context.Background(), inbound(t, bookQuery, "sess-1", "10.0.0.1:5555"), true)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

// fakeService records how often it ran and delegates to fn.
type fakeService struct {
	id    string
	types []model.TypeLabel
	calls atomic.Int32
	fn    func(ctx context.Context, req *Request) error
}

func newFake(id string, fn func(ctx context.Context, req *Request) error, types ...model.TypeLabel) *fakeService {
	return &fakeService{id: id, types: types, fn: fn}
}

func (f *fakeService) ID() string                     { return f.id }
func (f *fakeService) ResultTypes() []model.TypeLabel { return f.types }
func (f *fakeService) Handle(ctx context.Context, req *Request) error {
	f.calls.Add(1)
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, req)
}

func ids(services []Service) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.ID()
	}
	return out
}
