package model

import (
	"strings"
	"time"
)

// Request is one resolution attempt for one citation, scoped to a browser
// session. Fingerprint is immutable once the request is created.
type Request struct {
	ID                  string            `json:"id"`
	SessionID           string            `json:"session_id"`
	ClientIP            string            `json:"client_ip"`
	ClientIPIsSimulated bool              `json:"client_ip_is_simulated"`
	Fingerprint         string            `json:"fingerprint,omitempty"`
	CitationID          string            `json:"citation_id"`
	OriginSourceID      string            `json:"origin_source_id,omitempty"`
	HTTPEnv             map[string]string `json:"http_env,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// Citation is the canonical structured representation of the item being
// resolved. Key is the externally computed canonical identity.
type Citation struct {
	ID          string              `json:"id"`
	Key         string              `json:"key"`
	Format      string              `json:"format,omitempty"`
	Metadata    map[string]string   `json:"metadata"`
	Identifiers []string            `json:"identifiers,omitempty"`
	Extra       map[string][]string `json:"extra,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Title returns the best available title for the citation.
func (c *Citation) Title() string {
	for _, k := range []string{"title", "btitle", "jtitle", "atitle"} {
		if v := c.Metadata[k]; v != "" {
			return v
		}
	}
	return ""
}

// Creator returns the best available author string for the citation.
func (c *Citation) Creator() string {
	if v := c.Metadata["au"]; v != "" {
		return v
	}
	if last := c.Metadata["aulast"]; last != "" {
		if first := c.Metadata["aufirst"]; first != "" {
			return last + ", " + first
		}
		return last
	}
	return c.Metadata["aucorp"]
}

// TitleLevel reports whether the citation names only a title, with nothing
// article-level: no atitle, volume or issue, no date unless the item is a
// book, and no DOI or PMID identifier.
func (c *Citation) TitleLevel() bool {
	m := c.Metadata
	if m["atitle"] != "" || m["volume"] != "" || m["issue"] != "" {
		return false
	}
	if m["date"] != "" && c.Format != "book" {
		return false
	}
	for _, id := range c.Identifiers {
		if strings.HasPrefix(id, "info:doi") || strings.HasPrefix(id, "info:pmid") {
			return false
		}
	}
	return true
}

// OriginSource identifies the system that referred the request (the OpenURL
// referrer), e.g. a catalog or an abstracting database.
type OriginSource struct {
	ID         string    `json:"id"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
}
