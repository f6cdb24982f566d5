package vsac

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultBaseURL is the production SVS endpoint.
const DefaultBaseURL = "https://vsac.nlm.nih.gov/vsac/svs"

// ClientConfig configures the VSAC client.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string
	// CacheTTL bounds how long retrieved value sets are reused. Zero means
	// cache entries never expire.
	CacheTTL time.Duration
	// Concurrency limits parallel fetches in RetrieveMultiple.
	Concurrency int
	HTTPClient  *http.Client
}

// Client fetches and caches VSAC value sets.
type Client struct {
	baseURL     string
	username    string
	password    string
	concurrency int
	http        *http.Client
	cache       *gocache.Cache
	logger      zerolog.Logger
}

// NewClient creates a VSAC client. Credentials may be empty; each call can
// override them, and calls without any credentials fail with AUTH_REQUIRED.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 3
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}

	return &Client{
		baseURL:     strings.TrimSuffix(base, "/"),
		username:    cfg.Username,
		password:    cfg.Password,
		concurrency: concurrency,
		http:        httpClient,
		cache:       gocache.New(ttl, 10*time.Minute),
		logger:      logger,
	}
}

// Credentials are per-call VSAC credentials overriding the client defaults.
type Credentials struct {
	Username string
	Password string
}

func (c *Client) resolveCredentials(creds *Credentials) (string, string, error) {
	user, pass := c.username, c.password
	if creds != nil && creds.Username != "" {
		user, pass = creds.Username, creds.Password
	}
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" || pass == "" {
		return "", "", newError(CodeAuthRequired, 0, "VSAC username and password are required")
	}
	return user, pass, nil
}

func cacheKey(oid, version string) string {
	if version == "" {
		version = "latest"
	}
	return oid + "_" + version
}

// RetrieveValueSet fetches a single value set by OID, consulting the cache
// first.
func (c *Client) RetrieveValueSet(ctx context.Context, oid, version string, creds *Credentials) (*ValueSet, error) {
	key := cacheKey(oid, version)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug().Str("oid", oid).Msg("vsac cache hit")
		return cached.(*ValueSet), nil
	}

	user, pass, err := c.resolveCredentials(creds)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/RetrieveMultipleValueSets"
	q := url.Values{"id": {oid}}
	if version != "" {
		q.Set("version", version)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, newError(CodeQueryError, 0, fmt.Sprintf("build request: %v", err))
	}
	req.SetBasicAuth(user, pass)
	req.Header.Set("Accept", "application/xml")

	c.logger.Info().Str("oid", oid).Msg("fetching value set from VSAC")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(CodeQueryError, 0, fmt.Sprintf("VSAC query failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, oid)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(CodeQueryError, 0, fmt.Sprintf("read response: %v", err))
	}

	vs, err := ParseResponse(body)
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(key, vs)
	return vs, nil
}

func statusError(status int, oid string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return newError(CodeAuthFailed, status, "VSAC authentication failed. Check your UMLS username and password.")
	case status == http.StatusForbidden:
		return newError(CodeAccessForbidden, status, "VSAC access forbidden. Ensure your UMLS account has VSAC access enabled.")
	case status == http.StatusNotFound:
		return newError(CodeNotFound, status, fmt.Sprintf("Value set not found: %s. Verify the OID is correct.", oid))
	case status == http.StatusTooManyRequests:
		return newError(CodeRateLimit, status, "VSAC rate limit exceeded. Please wait before retrying.")
	case status >= 500:
		return newError(CodeServiceUnavailable, status, "VSAC service temporarily unavailable. Please try again later.")
	default:
		return newError(CodeAPIError, status, fmt.Sprintf("VSAC API error (%d)", status))
	}
}

// RetrieveMultiple fetches a batch of value sets with bounded concurrency.
// A failed OID yields an ERROR-status placeholder instead of failing the
// whole batch, so downstream mapping can report partial results.
func (c *Client) RetrieveMultiple(ctx context.Context, oids []string, creds *Credentials) map[string]*ValueSet {
	results := make(map[string]*ValueSet, len(oids))
	found := make([]*ValueSet, len(oids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, oid := range oids {
		i, oid := i, oid
		g.Go(func() error {
			vs, err := c.RetrieveValueSet(gctx, oid, "", creds)
			if err != nil {
				c.logger.Error().Str("oid", oid).Err(err).Msg("failed to retrieve value set")
				return nil
			}
			found[i] = vs
			return nil
		})
	}
	_ = g.Wait()

	for i, oid := range oids {
		if found[i] != nil {
			results[oid] = found[i]
			continue
		}
		results[oid] = &ValueSet{
			Metadata: Metadata{ID: oid, DisplayName: "Error", Status: "ERROR"},
			Concepts: []Concept{},
		}
	}
	return results
}

// CacheStats reports the cache size and keys.
func (c *Client) CacheStats() map[string]interface{} {
	items := c.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]interface{}{
		"size": len(items),
		"keys": keys,
	}
}

// ClearCache drops all cached value sets.
func (c *Client) ClearCache() {
	c.cache.Flush()
	c.logger.Info().Msg("VSAC cache cleared")
}
