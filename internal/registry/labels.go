// Package registry loads the static vocabularies the resolver runs with: the
// response type labels and the service group configuration.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/linkresolver/internal/model"
)

// DefaultLabels is the built-in type-label vocabulary used when no labels
// file is configured.
var DefaultLabels = []model.Label{
	{Name: "fulltext", DisplayName: "Full Text"},
	{Name: "audio", DisplayName: "Audio"},
	{Name: "highlighted_link", DisplayName: "See Also"},
	{Name: "holding", DisplayName: "Holdings"},
	{Name: "holding_search", DisplayName: "Catalog Search"},
	{Name: "table_of_contents", DisplayName: "Table of Contents"},
	{Name: "abstract", DisplayName: "Abstract"},
	{Name: "cover_image", DisplayName: "Cover Image"},
	{Name: "excerpts", DisplayName: "Excerpts"},
	{Name: "search_inside", DisplayName: "Search Inside"},
	{Name: "export_citation", DisplayName: "Export Citation"},
	{Name: "referent_enhance", DisplayName: "Enhanced Citation"},
	{Name: "help", DisplayName: "Help"},
	{Name: "related_items", DisplayName: "Related Items"},
	{Name: "document_delivery", DisplayName: "Request a Copy"},
	{Name: "web_link", DisplayName: "Web Link"},
}

type labelsFile struct {
	Labels []model.Label `yaml:"labels"`
}

// LoadLabelsFromFile reads a YAML document of the form
//
//	labels:
//	  - name: fulltext
//	    display_name: Full Text
//
// and returns the indexed vocabulary.
func LoadLabelsFromFile(path string) (*model.LabelVocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read labels file")
	}

	var f labelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal labels file")
	}
	if len(f.Labels) == 0 {
		return nil, eris.Errorf("registry: labels file %s defines no labels", path)
	}

	return model.NewLabelVocabulary(f.Labels), nil
}

// LoadLabels returns the vocabulary from path, or the defaults when path is
// empty.
func LoadLabels(path string) (*model.LabelVocabulary, error) {
	if path == "" {
		return model.NewLabelVocabulary(DefaultLabels), nil
	}
	return LoadLabelsFromFile(path)
}
