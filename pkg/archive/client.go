// Package archive provides a client for the Internet Archive advanced
// search API.
package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/linkresolver/internal/metrics"
	"github.com/sells-group/linkresolver/internal/resilience"
)

const (
	defaultBaseURL   = "https://archive.org"
	defaultSearchURL = "https://archive.org/advancedsearch.php"
	maxErrorBody     = 512
)

// Client performs Internet Archive search operations.
type Client interface {
	// Search runs an advanced search query and returns up to rows documents
	// plus the total hit count.
	Search(ctx context.Context, query string, rows int) (*SearchResponse, error)
	// DetailsURL returns the item page for an identifier.
	DetailsURL(identifier string) string
	// WebSearchURL returns the archive.org search page for a query.
	WebSearchURL(query string) string
}

// SearchResponse is the advanced search JSON envelope.
type SearchResponse struct {
	Response struct {
		NumFound int   `json:"numFound"`
		Start    int   `json:"start"`
		Docs     []Doc `json:"docs"`
	} `json:"response"`
}

// Doc is one search hit.
type Doc struct {
	Identifier string     `json:"identifier"`
	Title      string     `json:"title"`
	Creator    StringList `json:"creator"`
	Collection StringList `json:"collection"`
	Mediatype  string     `json:"mediatype"`
}

// StringList decodes a field the API returns either as a string or as a
// list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return eris.Wrap(err, "archive: decode string list")
	}
	*s = many
	return nil
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the site URL used for item and search page links.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithSearchURL overrides the advanced search endpoint (for testing).
func WithSearchURL(u string) Option {
	return func(c *httpClient) {
		c.searchURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry retries transient failures (timeouts, 408, 429, 5xx).
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL   string
	searchURL string
	http      *http.Client
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
}

// NewClient creates an Internet Archive client. By default requests are
// limited to 5 per second and not retried.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   defaultBaseURL,
		searchURL: defaultSearchURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(5, 5),
		retry:   resilience.RetryConfig{MaxAttempts: 1},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, rows int) (*SearchResponse, error) {
	if rows <= 0 {
		rows = 1
	}
	params := url.Values{}
	params.Set("q", query)
	params.Add("fl[]", "identifier")
	params.Add("fl[]", "title")
	params.Add("fl[]", "creator")
	params.Add("fl[]", "collection")
	params.Add("fl[]", "mediatype")
	params.Set("rows", strconv.Itoa(rows))
	params.Set("output", "json")
	reqURL := c.searchURL + "?" + params.Encode()

	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*SearchResponse, error) {
		return c.get(ctx, reqURL)
	})
}

func (c *httpClient) get(ctx context.Context, reqURL string) (*SearchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "archive: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "archive: create request"))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("internet_archive", "error").Inc()
		return nil, eris.Wrap(err, "archive: send request")
	}
	defer resp.Body.Close() //nolint:errcheck
	metrics.UpstreamRequests.WithLabelValues("internet_archive", strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "archive: read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		statusErr := eris.Errorf("archive: unexpected status %d: %s", resp.StatusCode, snippet)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, resilience.Permanent(statusErr)
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, resilience.Permanent(eris.Wrap(err, "archive: unmarshal response"))
	}
	return &result, nil
}

func (c *httpClient) DetailsURL(identifier string) string {
	return c.baseURL + "/details/" + url.PathEscape(identifier)
}

func (c *httpClient) WebSearchURL(query string) string {
	return c.baseURL + "/search?query=" + url.QueryEscape(query)
}

// Query builds an advanced search query for a title, an optional creator
// and a mediatype.
func Query(title, creator, mediatype string) string {
	var b strings.Builder
	b.WriteString(`title:"`)
	b.WriteString(escapePhrase(title))
	b.WriteString(`"`)
	if creator != "" {
		b.WriteString(` AND creator:"`)
		b.WriteString(escapePhrase(creator))
		b.WriteString(`"`)
	}
	if mediatype != "" {
		b.WriteString(" AND mediatype:")
		b.WriteString(mediatype)
	}
	return b.String()
}

func escapePhrase(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}
