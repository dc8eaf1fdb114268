package model

import (
	"sort"
	"time"
)

// Reserved payload keys. Everything else in a Payload is service-specific.
const (
	PayloadDisplayText = "display_text"
	PayloadURL         = "url"
	PayloadNotes       = "notes"
	PayloadResponseKey = "response_key"
)

// Payload is the open key/value bag a service attaches to a response.
type Payload map[string]any

// String returns the value at key when it is a string, or "".
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Response is one result item a service contributed to a request.
// Responses are immutable once stored.
type Response struct {
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	ServiceID string      `json:"service_id"`
	Labels    []TypeLabel `json:"labels"`
	Payload   Payload     `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

// HasLabel reports whether the response is tagged with l.
func (r *Response) HasLabel(l TypeLabel) bool {
	for _, x := range r.Labels {
		if x == l {
			return true
		}
	}
	return false
}
