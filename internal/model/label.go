package model

import "strings"

// TypeLabel is a controlled-vocabulary tag describing the semantic kind of
// a response, e.g. "fulltext" or "audio".
type TypeLabel string

// Label is one entry of the type-label vocabulary.
type Label struct {
	Name        TypeLabel `json:"name" yaml:"name"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
}

// LabelVocabulary is an indexed, read-only set of known type labels. It is
// built once at startup and never mutated afterwards.
type LabelVocabulary struct {
	labels []Label
	byName map[TypeLabel]int
}

// NewLabelVocabulary indexes labels by name. Names are trimmed and
// lower-cased; blank names are ignored and later duplicates win.
func NewLabelVocabulary(labels []Label) *LabelVocabulary {
	v := &LabelVocabulary{
		byName: make(map[TypeLabel]int, len(labels)),
	}
	for _, l := range labels {
		name := TypeLabel(strings.ToLower(strings.TrimSpace(string(l.Name))))
		if name == "" {
			continue
		}
		l.Name = name
		if l.DisplayName == "" {
			l.DisplayName = string(name)
		}
		if i, ok := v.byName[name]; ok {
			v.labels[i] = l
			continue
		}
		v.byName[name] = len(v.labels)
		v.labels = append(v.labels, l)
	}
	return v
}

// Lookup returns the label with the given name (case-insensitive).
func (v *LabelVocabulary) Lookup(name string) (Label, bool) {
	i, ok := v.byName[TypeLabel(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return Label{}, false
	}
	return v.labels[i], true
}

// Has reports whether name is a known label.
func (v *LabelVocabulary) Has(name TypeLabel) bool {
	_, ok := v.Lookup(string(name))
	return ok
}

// Labels returns a copy of all labels in declaration order.
func (v *LabelVocabulary) Labels() []Label {
	out := make([]Label, len(v.labels))
	copy(out, v.labels)
	return out
}

// Len returns the number of labels.
func (v *LabelVocabulary) Len() int {
	return len(v.labels)
}
