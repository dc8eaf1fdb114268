// Package citation turns raw OpenURL parameters into the canonical Citation
// and OriginSource the resolver stores.
package citation

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/linkresolver/internal/fingerprint"
	"github.com/sells-group/linkresolver/internal/model"
)

// ErrMalformed is returned when the parameters carry neither referent
// metadata nor an identifier.
var ErrMalformed = eris.New("citation: no referent metadata or identifier")

// OpenURL 0.1 keys that describe the referent without an rft. prefix.
var legacyKeys = map[string]bool{
	"genre": true, "aulast": true, "aufirst": true, "auinit": true, "au": true,
	"aucorp": true, "title": true, "atitle": true, "jtitle": true, "btitle": true,
	"stitle": true, "issn": true, "eissn": true, "isbn": true, "volume": true,
	"issue": true, "spage": true, "epage": true, "pages": true, "date": true,
	"artnum": true, "coden": true, "sici": true, "pub": true, "place": true,
	"edition": true,
}

// Keys whose values are compared case-insensitively in the canonical key.
var foldedKeys = map[string]bool{
	"title": true, "atitle": true, "jtitle": true, "btitle": true, "stitle": true,
	"au": true, "aulast": true, "aufirst": true, "aucorp": true, "pub": true,
}

var (
	numericID  = regexp.MustCompile(`^\d+$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// ContextObjectParams returns the subset of values that describes the
// context object. Routing keys and resolver-namespaced keys are removed, as
// are purely numeric "id" values, which are application primary keys rather
// than OpenURL 0.1 identifiers.
func ContextObjectParams(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for k, vs := range values {
		if k == "" || (k != "ctx_tim" && fingerprint.Excluded(k)) {
			continue
		}
		kept := make([]string, 0, len(vs))
		for _, v := range vs {
			if k == "id" && numericID.MatchString(v) {
				continue
			}
			kept = append(kept, v)
		}
		if k == "id" && len(kept) == 0 {
			continue
		}
		out[k] = kept
	}
	return out
}

// Parse builds a Citation and, when the request names a referrer, an
// OriginSource from raw request parameters. The returned OriginSource has
// only its Identifier set.
func Parse(values url.Values) (*model.Citation, *model.OriginSource, error) {
	co := ContextObjectParams(values)

	c := &model.Citation{
		Metadata: make(map[string]string),
		Extra:    make(map[string][]string),
	}
	_, v10 := co["url_ver"]
	if _, ok := co["ctx_ver"]; ok {
		v10 = true
	}

	keys := make([]string, 0, len(co))
	for k := range co {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		vs := nonEmpty(co[k])
		if len(vs) == 0 {
			continue
		}
		switch {
		case k == "rft_id" || (k == "id" && !v10):
			c.Identifiers = append(c.Identifiers, vs...)
		case k == "rft_val_fmt":
			c.Format = formatName(vs[0])
		case strings.HasPrefix(k, "rft."):
			addMeta(c, strings.TrimPrefix(k, "rft."), vs)
		case !v10 && legacyKeys[k]:
			addMeta(c, k, vs)
		}
	}
	if c.Format == "" {
		c.Format = c.Metadata["genre"]
	}
	if len(c.Extra) == 0 {
		c.Extra = nil
	}
	sort.Strings(c.Identifiers)

	if len(c.Metadata) == 0 && len(c.Identifiers) == 0 {
		return nil, nil, ErrMalformed
	}
	c.Key = Key(c)
	return c, Origin(values), nil
}

// Origin returns the referrer named by rfr_id (or the 0.1 sid), or nil.
// Only Identifier is set.
func Origin(values url.Values) *model.OriginSource {
	co := ContextObjectParams(values)
	if id := first(co["rfr_id"]); id != "" {
		return &model.OriginSource{Identifier: id}
	}
	if sid := first(co["sid"]); sid != "" {
		return &model.OriginSource{Identifier: sid}
	}
	return nil
}

// Key returns the canonical identity of a citation: a digest over its
// normalized metadata and sorted identifiers. Unicode is NFC-normalized,
// whitespace collapsed, and titles and names case-folded.
func Key(c *model.Citation) string {
	v := url.Values{}
	for k, val := range c.Metadata {
		v.Set("meta."+k, Normalize(k, val))
	}
	for _, id := range c.Identifiers {
		v.Add("id", strings.TrimSpace(id))
	}
	if c.Format != "" {
		v.Set("format", c.Format)
	}
	return fingerprint.Fingerprint(v)
}

// Normalize returns the comparison form of a metadata value.
func Normalize(key, value string) string {
	s := norm.NFC.String(strings.TrimSpace(value))
	s = whitespace.ReplaceAllString(s, " ")
	if foldedKeys[key] {
		s = cases.Fold().String(s)
	}
	return s
}

func addMeta(c *model.Citation, key string, vs []string) {
	if _, ok := c.Metadata[key]; !ok {
		c.Metadata[key] = vs[0]
		vs = vs[1:]
	}
	if len(vs) > 0 {
		c.Extra[key] = append(c.Extra[key], vs...)
	}
}

// formatName maps "info:ofi/fmt:kev:mtx:book" to "book".
func formatName(valFmt string) string {
	if i := strings.LastIndex(valFmt, ":"); i >= 0 {
		return valFmt[i+1:]
	}
	return valFmt
}

func nonEmpty(vs []string) []string {
	out := vs[:0:0]
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func first(vs []string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
