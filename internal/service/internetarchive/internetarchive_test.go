package internetarchive

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/model"
	"github.com/sells-group/linkresolver/internal/registry"
	"github.com/sells-group/linkresolver/internal/resilience"
	"github.com/sells-group/linkresolver/internal/resolver"
	"github.com/sells-group/linkresolver/internal/store"
	"github.com/sells-group/linkresolver/pkg/archive"
	"github.com/sells-group/linkresolver/pkg/archive/mocks"
)

func newTestRequest(t *testing.T, query string) *resolver.Request {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ia.db"))
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

func searchResponse(t *testing.T, numFound int, docs ...archive.Doc) *archive.SearchResponse {
	t.Helper()
	var r archive.SearchResponse
	r.Response.NumFound = numFound
	r.Response.Docs = docs
	// Round-trip through JSON to catch tag mistakes in test data.
	data, err := json.Marshal(r)
	require.NoError(t, err)
	var out archive.SearchResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return &out
}

func testConfig() config.InternetArchiveConfig {
	return config.InternetArchiveConfig{NumResults: 1, Mediatypes: []string{"texts", "audio"}, ShowWebLink: true}
}

func TestHandle_AddsResponsesPerMediatype(t *testing.T) {
	ctx := context.Background()
	client := mocks.NewMockClient(t)

	textsQuery := `title:"Moby Dick" AND creator:"Melville" AND mediatype:texts`
	audioQuery := `title:"Moby Dick" AND creator:"Melville" AND mediatype:audio`

	client.On("Search", mock.Anything, textsQuery, 1).Return(searchResponse(t, 7,
		archive.Doc{Identifier: "mobydick00", Title: "Moby Dick", Creator: archive.StringList{"Melville, Herman"}, Collection: archive.StringList{"americana"}},
	), nil)
	client.On("Search", mock.Anything, audioQuery, 1).Return(searchResponse(t, 1,
		archive.Doc{Identifier: "moby_lv", Title: "Moby Dick", Collection: archive.StringList{"some_collection"}},
	), nil)
	client.On("WebSearchURL", textsQuery).Return("https://archive.org/search?query=texts")
	client.On("DetailsURL", "mobydick00").Return("https://archive.org/details/mobydick00")
	client.On("DetailsURL", "moby_lv").Return("https://archive.org/details/moby_lv")

	svc := New(model.ServiceDef{ID: "internet_archive"}, client, testConfig())
	req := newTestRequest(t, "rft.btitle=Moby+Dick:+Or,+The+Whale&rft.aulast=Melville&rft.aufirst=Herman")
	require.NoError(t, svc.Handle(ctx, req))

	fulltext, err := req.ResponsesByType(ctx, LabelFulltext, true)
	require.NoError(t, err)
	require.Len(t, fulltext, 1)
	assert.Equal(t, "Internet Archive: American Libraries", fulltext[0].Payload.String(model.PayloadDisplayText))
	assert.Equal(t, "https://archive.org/details/mobydick00", fulltext[0].Payload.String(model.PayloadURL))
	assert.Equal(t, "Moby Dick by Melville, Herman (texts)", fulltext[0].Payload.String(model.PayloadNotes))

	audio, err := req.ResponsesByType(ctx, LabelAudio, true)
	require.NoError(t, err)
	require.Len(t, audio, 1)
	assert.Equal(t, "Internet Archive: Some Collection", audio[0].Payload.String(model.PayloadDisplayText))
	assert.Equal(t, "Moby Dick (audio)", audio[0].Payload.String(model.PayloadNotes))

	more, err := req.ResponsesByType(ctx, LabelHighlightedLink, true)
	require.NoError(t, err)
	require.Len(t, more, 1, "only texts has more hits than shown")
	assert.Equal(t, "All 7 results from the Internet Archive (texts)", more[0].Payload.String(model.PayloadDisplayText))
}

func TestHandle_NoTitleSkipsSearch(t *testing.T) {
	client := mocks.NewMockClient(t)
	svc := New(model.ServiceDef{ID: "internet_archive"}, client, testConfig())
	req := newTestRequest(t, "rft.issn=1234-5678&rft.aulast=Smith")

	require.NoError(t, svc.Handle(context.Background(), req))
	client.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_SearchErrorPropagates(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("archive: unexpected status 503"), 503)).Once()

	svc := New(model.ServiceDef{ID: "internet_archive"}, client, testConfig())
	req := newTestRequest(t, "rft.title=Walden")

	err := svc.Handle(context.Background(), req)
	require.Error(t, err)
	status, _ := resilience.Classify(err)
	assert.Equal(t, model.DispatchFailedTemporary, status)
}

func TestNew_OptionsOverrideConfig(t *testing.T) {
	svc := New(model.ServiceDef{ID: "ia", Options: map[string]any{
		"num_results":   5,
		"mediatypes":    []any{"texts"},
		"show_web_link": false,
	}}, nil, testConfig())
	assert.Equal(t, 5, svc.numResults)
	assert.Equal(t, []string{"texts"}, svc.mediatypes)
	assert.False(t, svc.showWebLink)
	assert.Equal(t, []model.TypeLabel{"fulltext", "audio", "highlighted_link"}, svc.ResultTypes())

	def := New(model.ServiceDef{ID: "ia"}, nil, config.InternetArchiveConfig{})
	assert.Equal(t, 3, def.numResults)
	assert.Equal(t, []string{"texts", "audio"}, def.mediatypes)
}

func TestSearchTerms(t *testing.T) {
	title, creator := SearchTerms(&model.Citation{Metadata: map[string]string{"title": "Walden: or, Life in the Woods", "au": "Thoreau, Henry David"}})
	assert.Equal(t, "Walden", title)
	assert.Equal(t, "Thoreau, Henry David", creator)
}

func TestFactory(t *testing.T) {
	svc, err := Factory(nil, testConfig())(model.ServiceDef{ID: "ia", Type: Type})
	require.NoError(t, err)
	assert.Equal(t, "ia", svc.ID())
}
