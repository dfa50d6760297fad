// Package dhis is a minimal client for DHIS2-compatible HTTP APIs covering
// the analytics, dataValueSets and metadata surfaces the migration pipeline
// touches. One Client speaks to one instance; source instances behind a
// route gateway are reached by proxying through the destination.
package dhis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/migro/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10

	// transientRetryDelay is the pause before the single in-client retry of
	// a transient transport fault.
	transientRetryDelay = 2 * time.Second
)

// Client is a DHIS2 API client for a single instance.
type Client struct {
	baseURL     string
	username    string
	password    string
	routePrefix string // "routes/{id}/run" when proxying through a gateway
	httpClient  *http.Client
	logger      arbor.ILogger
	limiter     *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithRoute proxies every request through the gateway instance's
// api/routes/{routeID}/run endpoint. The client authenticates against the
// gateway; the route carries its own upstream credentials.
func WithRoute(routeID string) ClientOption {
	return func(c *Client) {
		c.routePrefix = "routes/" + routeID + "/run"
	}
}

// NewClient creates a new DHIS2 API client.
func NewClient(baseURL, username, password string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewSourceClient builds the client that reads from a config's source
// instance. When the source declares a route ID, requests are proxied
// through the destination gateway with the destination's credentials.
func NewSourceClient(config *models.MigrationConfig, opts ...ClientOption) *Client {
	src := config.Source
	if src.RouteID != "" {
		dst := config.Destination
		opts = append(opts, WithRoute(src.RouteID))
		return NewClient(dst.BaseURL, dst.Username, dst.Password, opts...)
	}
	return NewClient(src.BaseURL, src.Username, src.Password, opts...)
}

// NewDestinationClient builds the client that writes to a config's
// destination instance.
func NewDestinationClient(config *models.MigrationConfig, opts ...ClientOption) *Client {
	dst := config.Destination
	return NewClient(dst.BaseURL, dst.Username, dst.Password, opts...)
}

// BaseURL returns the instance base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// apiURL builds the full request URL for an api-relative path.
func (c *Client) apiURL(path string, params url.Values) string {
	p := path
	if c.routePrefix != "" {
		p = c.routePrefix + "/" + path
	}
	reqURL := c.baseURL + "/api/" + p
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	return reqURL
}

// do executes one request with rate limiting, basic auth and a single
// inline retry on transient transport faults. Non-2xx responses come back
// as *models.HTTPError carrying the body; on 409 the body is additionally
// decoded into result so callers can read the partial import summary.
func (c *Client) do(ctx context.Context, method, reqURL string, body []byte, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	err := c.doOnce(ctx, method, reqURL, body, result)
	if err != nil && models.IsTransient(err) {
		if c.logger != nil {
			c.logger.Warn().Err(err).Str("url", reqURL).Msg("Transient transport fault, retrying once")
		}
		select {
		case <-time.After(transientRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = c.doOnce(ctx, method, reqURL, body, result)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, reqURL string, body []byte, result interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("url", reqURL).
			Msg("DHIS2 API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusConflict && result != nil {
			// Best effort: the conflict body carries the import summary.
			_ = json.Unmarshal(respBody, result)
		}
		return &models.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        reqURL,
			Body:       string(respBody),
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// GetDataValueSet fetches aggregated values from analytics/dataValueSet.json
// for the given dx/pe/ou dimension items.
func (c *Client) GetDataValueSet(ctx context.Context, dataElements, periods []string, orgUnit string) (*models.DataValueSet, error) {
	params := url.Values{}
	params.Add("dimension", "dx:"+strings.Join(dataElements, ";"))
	params.Add("dimension", "pe:"+strings.Join(periods, ";"))
	params.Add("dimension", "ou:"+orgUnit)

	var result models.DataValueSet
	if err := c.do(ctx, http.MethodGet, c.apiURL("analytics/dataValueSet.json", params), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PostDataValueSet imports a value set with the given strategy, synchronously.
// On 409 both the decoded summary and the HTTPError are returned so callers
// can log the partial result before deciding the job's fate.
func (c *Client) PostDataValueSet(ctx context.Context, set *models.DataValueSet, strategy string) (*models.ImportSummary, error) {
	params := url.Values{}
	params.Set("importStrategy", strategy)
	params.Set("async", "false")

	body, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data value set: %w", err)
	}

	var summary models.ImportSummary
	if err := c.do(ctx, http.MethodPost, c.apiURL("dataValueSets", params), body, &summary); err != nil {
		if models.IsConflict(err) && summary.Counts() != nil {
			return &summary, err
		}
		return nil, err
	}
	return &summary, nil
}

// ListObjects fetches metadata objects of one type by ID with the full owned
// field graph, the shape the metadata import accepts back.
func (c *Client) ListObjects(ctx context.Context, objectType string, ids []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("fields", ownerFields)
	params.Set("filter", "id:in:["+strings.Join(ids, ",")+"]")
	params.Set("paging", "false")

	var envelope listEnvelope
	if err := c.do(ctx, http.MethodGet, c.apiURL(objectType+".json", params), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.objects(objectType)
}

// PostMetadata imports a metadata bundle into the destination.
func (c *Client) PostMetadata(ctx context.Context, bundle *models.MetadataBundle) (*models.ImportSummary, error) {
	params := url.Values{}
	params.Set("importStrategy", StrategyCreateAndUpdate)
	params.Set("atomicMode", "NONE")

	body, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata bundle: %w", err)
	}

	var summary models.ImportSummary
	if err := c.do(ctx, http.MethodPost, c.apiURL("metadata", params), body, &summary); err != nil {
		if models.IsConflict(err) && summary.Counts() != nil {
			return &summary, err
		}
		return nil, err
	}
	return &summary, nil
}

// GetDataElement fetches a data element with its category combo expansion,
// as needed by the mapping engine.
func (c *Client) GetDataElement(ctx context.Context, id string) (*models.DataElement, error) {
	params := url.Values{}
	params.Set("fields", "id,name,categoryCombo[id,name,categoryOptionCombos[id,name]]")

	var result models.DataElement
	if err := c.do(ctx, http.MethodGet, c.apiURL("dataElements/"+id+".json", params), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetCategory fetches a category (attribute) with its options and each
// option's combos, as needed for attribute-option-combo fan-out.
func (c *Client) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	params := url.Values{}
	params.Set("fields", "id,name,categoryOptions[id,name,categoryOptionCombos[id,name]]")

	var result models.Category
	if err := c.do(ctx, http.MethodGet, c.apiURL("categories/"+id+".json", params), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
