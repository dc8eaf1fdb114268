package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchStatus(t *testing.T) {
	tests := []struct {
		status                          DispatchStatus
		valid, terminal, active, failed bool
	}{
		{DispatchQueued, true, false, true, false},
		{DispatchInProgress, true, false, true, false},
		{DispatchSuccessful, true, true, false, false},
		{DispatchFailedTemporary, true, false, false, true},
		{DispatchFailedFatal, true, true, false, true},
		{"bogus", false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.active, tt.status.Active())
			assert.Equal(t, tt.failed, tt.status.Failed())
		})
	}
}

func TestLabelVocabulary(t *testing.T) {
	v := NewLabelVocabulary([]Label{
		{Name: "fulltext", DisplayName: "Full Text"},
		{Name: " Audio "},
		{Name: ""},
		{Name: "FULLTEXT", DisplayName: "Online Access"},
	})

	assert.Equal(t, 2, v.Len())
	l, ok := v.Lookup("FullText")
	assert.True(t, ok)
	assert.Equal(t, "Online Access", l.DisplayName)

	l, ok = v.Lookup("audio")
	assert.True(t, ok)
	assert.Equal(t, "audio", l.DisplayName)

	assert.True(t, v.Has("audio"))
	assert.False(t, v.Has("abstract"))

	labels := v.Labels()
	labels[0].Name = "mutated"
	assert.True(t, v.Has("fulltext"))
}

func TestPayload(t *testing.T) {
	p := Payload{PayloadURL: "https://example.org", "n": 3, PayloadDisplayText: "x"}
	assert.Equal(t, "https://example.org", p.String(PayloadURL))
	assert.Equal(t, "", p.String("n"))
	assert.Equal(t, "", p.String("missing"))
	assert.Equal(t, []string{"display_text", "n", "url"}, p.Keys())
}

func TestResponse_HasLabel(t *testing.T) {
	r := Response{Labels: []TypeLabel{"fulltext", "highlighted_link"}}
	assert.True(t, r.HasLabel("highlighted_link"))
	assert.False(t, r.HasLabel("audio"))
}

func TestCitation_TitleAndCreator(t *testing.T) {
	c := Citation{Metadata: map[string]string{"jtitle": "Nature", "atitle": "On Things", "aulast": "Smith", "aufirst": "Ann"}}
	assert.Equal(t, "Smith, Ann", c.Creator())
	assert.NotEmpty(t, c.Title())

	assert.Equal(t, "Acme Corp", (&Citation{Metadata: map[string]string{"aucorp": "Acme Corp"}}).Creator())
	assert.Equal(t, "Jane Doe", (&Citation{Metadata: map[string]string{"au": "Jane Doe", "aulast": "Doe"}}).Creator())
	assert.Equal(t, "", (&Citation{}).Title())
}

func TestCitation_TitleLevel(t *testing.T) {
	tests := []struct {
		name   string
		format string
		meta   map[string]string
		ids    []string
		want   bool
	}{
		{"journal title only", "journal", map[string]string{"jtitle": "Nature", "issn": "0028-0836"}, nil, true},
		{"article title", "journal", map[string]string{"jtitle": "Nature", "atitle": "On Things"}, nil, false},
		{"volume", "journal", map[string]string{"jtitle": "Nature", "volume": "12"}, nil, false},
		{"issue", "journal", map[string]string{"jtitle": "Nature", "issue": "3"}, nil, false},
		{"journal with date", "journal", map[string]string{"jtitle": "Nature", "date": "1999"}, nil, false},
		{"book with date", "book", map[string]string{"btitle": "Walden", "date": "1854"}, nil, true},
		{"doi identifier", "journal", map[string]string{"jtitle": "Nature"}, []string{"info:doi/10.1038/171737a0"}, false},
		{"pmid identifier", "journal", map[string]string{"jtitle": "Nature"}, []string{"info:pmid/13054692"}, false},
		{"other identifier", "book", map[string]string{"btitle": "Walden"}, []string{"urn:isbn:9780691096124"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Citation{Format: tt.format, Metadata: tt.meta, Identifiers: tt.ids}
			assert.Equal(t, tt.want, c.TitleLevel())
		})
	}
}

func TestServiceGroup_SortedServices(t *testing.T) {
	g := ServiceGroup{Services: map[string]ServiceDef{
		"b":  {Type: "Static", Priority: 2},
		"a":  {Type: "Static", Priority: 2},
		"ia": {Type: "InternetArchive", Priority: 1},
	}}
	got := g.SortedServices()
	assert.Equal(t, "ia", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, "b", got[2].ID)
}

func TestServiceDef_Options(t *testing.T) {
	d := ServiceDef{Options: map[string]any{
		"num_results": 5,
		"rate":        float64(2),
		"url":         "https://example.org",
		"show":        false,
		"types":       []any{"texts", "audio"},
		"single":      "texts",
	}}
	assert.Equal(t, 5, d.OptionInt("num_results", 3))
	assert.Equal(t, 2, d.OptionInt("rate", 1))
	assert.Equal(t, 7, d.OptionInt("missing", 7))
	assert.Equal(t, "https://example.org", d.OptionString("url", ""))
	assert.Equal(t, "dflt", d.OptionString("missing", "dflt"))
	assert.False(t, d.OptionBool("show", true))
	assert.True(t, d.OptionBool("missing", true))
	assert.Equal(t, []string{"texts", "audio"}, d.OptionStrings("types", nil))
	assert.Equal(t, []string{"texts"}, d.OptionStrings("single", nil))
	assert.Equal(t, []string{"x"}, d.OptionStrings("missing", []string{"x"}))
}
