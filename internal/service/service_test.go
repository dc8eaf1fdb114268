package service

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/resolver"
	"github.com/sells-group/linkresolver/internal/store"
)

const groupsYAML = `
default:
  services:
    default_a: {type: Dummy, priority: 3}
    default_b: {type: Dummy, priority: 1}
    default_disabled: {type: Dummy, priority: 3, disabled: true}
group1:
  services:
    group1_a: {type: Dummy, priority: 3}
    group1_b: {type: Dummy, priority: 3}
    group1_disabled: {type: Dummy, priority: 3, disabled: true}
group2:
  services:
    group2_a: {type: Dummy, priority: 2}
    group2_b: {type: Dummy, priority: 3}
    group2_disabled: {type: Dummy, priority: 3, disabled: true}
off:
  disabled: true
  services:
    off_a: {type: Dummy}
`

type dummy struct {
	id    string
	types []model.TypeLabel
}

func (d *dummy) ID() string                     { return d.id }
func (d *dummy) ResultTypes() []model.TypeLabel { return d.types }
func (d *dummy) Handle(context.Context, *resolver.Request) error {
	return nil
}

func newTestCollection(t *testing.T) *Collection {
	t.Helper()
	groups, err := registry.ParseServices([]byte(groupsYAML))
	require.NoError(t, err)

	f := NewFactories()
	f.RegisterFactory("Dummy", func(def model.ServiceDef) (resolver.Service, error) {
		return &dummy{id: def.ID, types: []model.TypeLabel{"fulltext"}}, nil
	})
	c, err := NewCollection(groups, f)
	require.NoError(t, err)
	return c
}

func serviceIDs(services []resolver.Service) []string {
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.ID()
	}
	return out
}

func TestDetermineServices_DefaultOnly(t *testing.T) {
	c := newTestCollection(t)
	got := serviceIDs(c.DetermineServices(url.Values{}))
	assert.Equal(t, []string{"default_b", "default_a"}, got, "priority order, disabled excluded")
}

func TestDetermineServices_AddGroups(t *testing.T) {
	c := newTestCollection(t)
	got := serviceIDs(c.DetermineServices(url.Values{"resolver.service_group": {"group2,group1"}}))
	assert.Equal(t, []string{"default_b", "group2_a", "default_a", "group1_a", "group1_b", "group2_b"}, got)
	for _, id := range got {
		assert.NotContains(t, id, "disabled")
	}
}

func TestDetermineServices_RemoveDefault(t *testing.T) {
	c := newTestCollection(t)
	got := serviceIDs(c.DetermineServices(url.Values{"resolver.service_group": {"group1,-default"}}))
	assert.Equal(t, []string{"group1_a", "group1_b"}, got)
}

func TestSelectedGroups(t *testing.T) {
	c := newTestCollection(t)
	assert.Equal(t, []string{"default"}, c.SelectedGroups(nil))
	assert.Equal(t, []string{"default", "group1", "group2"},
		c.SelectedGroups(url.Values{"resolver.service_group": {"group1", " group2 ,nosuch"}}))
	assert.Equal(t, []string{"default"}, c.SelectedGroups(url.Values{"resolver.service_group": {"off"}}), "disabled groups never apply")
	assert.Empty(t, c.SelectedGroups(url.Values{"resolver.service_group": {"-default"}}))
}

func TestCollection_Lookups(t *testing.T) {
	c := newTestCollection(t)

	assert.NotNil(t, c.Service("group1_a"))
	assert.Nil(t, c.Service("group1_disabled"))
	assert.Nil(t, c.Service("off_a"))

	assert.Equal(t, []model.TypeLabel{"fulltext"}, c.DeclaredTypes("default_a"))
	assert.Nil(t, c.DeclaredTypes("default_disabled"))

	defs := c.Definitions()
	require.Len(t, defs, 9)
	assert.Equal(t, "default_a", defs[0].ID)
}

func TestNewCollection_UnknownType(t *testing.T) {
	groups, err := registry.ParseServices([]byte("default:\n  services:\n    x: {type: Mystery}\n"))
	require.NoError(t, err)
	_, err = NewCollection(groups, NewFactories())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown type "Mystery"`)
}

func TestFactories_Types(t *testing.T) {
	f := NewFactories()
	f.RegisterFactory(TypeStatic, NewStatic)
	f.RegisterFactory("Dummy", func(model.ServiceDef) (resolver.Service, error) { return &dummy{}, nil })
	assert.Equal(t, []string{"Dummy", "Static"}, f.Types())
}

func newTestRequest(t *testing.T, query string) *resolver.Request {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	r := resolver.New(s, model.NewLabelVocabulary(registry.DefaultLabels), nil, resolver.Options{ProtectTerminal: true})
	params, err := url.ParseQuery(query)
	require.NoError(t, err)
	req, err := r.Resolve(context.Background(), resolver.Inbound{Params: params, SessionID: "s", Transport: resolver.Transport{RemoteAddr: "127.0.0.1:1"}}, true)
	require.NoError(t, err)
	return req
}

func TestStatic_Handle(t *testing.T) {
	ctx := context.Background()
	svc, err := NewStatic(model.ServiceDef{
		ID:   "catalog",
		Type: TypeStatic,
		Options: map[string]any{
			"display_text": "Search the catalog",
			"url":          "https://catalog.example.edu/search?q={title}&a={creator}",
			"service_type": []any{"holding_search"},
			"notes":        "Local holdings",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TypeLabel{"holding_search"}, svc.ResultTypes())

	req := newTestRequest(t, "rft.btitle=Moby+Dick&rft.au=Melville")
	require.NoError(t, svc.Handle(ctx, req))

	rsp, err := req.ResponsesByType(ctx, "holding_search", true)
	require.NoError(t, err)
	require.Len(t, rsp, 1)
	assert.Equal(t, "https://catalog.example.edu/search?q=Moby+Dick&a=Melville", rsp[0].Payload.String(model.PayloadURL))
	assert.Equal(t, "Search the catalog", rsp[0].Payload.String(model.PayloadDisplayText))
	assert.Equal(t, "Local holdings", rsp[0].Payload.String(model.PayloadNotes))
}

func TestStatic_OpenURLPlaceholder(t *testing.T) {
	ctx := context.Background()
	svc, err := NewStatic(model.ServiceDef{
		ID:      "link_resolver",
		Type:    TypeStatic,
		Options: map[string]any{"url": "https://sfx.example.edu/resolve?{openurl}"},
	})
	require.NoError(t, err)

	req := newTestRequest(t, "rft.btitle=Moby+Dick&rfr_id=info:sid/catalog.example.edu")
	require.NoError(t, svc.Handle(ctx, req))

	rsp, err := req.ResponsesByType(ctx, "web_link", true)
	require.NoError(t, err)
	require.Len(t, rsp, 1)

	link, err := url.Parse(rsp[0].Payload.String(model.PayloadURL))
	require.NoError(t, err)
	assert.Equal(t, "sfx.example.edu", link.Host)
	q := link.Query()
	assert.Equal(t, "Z39.88-2004", q.Get("url_ver"))
	assert.Equal(t, "Moby Dick", q.Get("rft.btitle"))
	assert.Equal(t, "info:sid/catalog.example.edu", q.Get("rfr_id"))
	assert.Equal(t, "127.0.0.1", q.Get("req.ip"))
}

func TestStatic_Defaults(t *testing.T) {
	svc, err := NewStatic(model.ServiceDef{ID: "ask", Options: map[string]any{"url": "https://library.example.edu/ask"}})
	require.NoError(t, err)
	assert.Equal(t, []model.TypeLabel{"web_link"}, svc.ResultTypes())

	_, err = NewStatic(model.ServiceDef{ID: "broken"})
	assert.Error(t, err)
}
