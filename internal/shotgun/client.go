package shotgun

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

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Client talks to the upstream server's API3 endpoint.
type Client struct {
	BaseURL    string
	ScriptName string
	APIKey     string

	HTTPClient *http.Client
	Logger     *logrus.Entry

	// MaxElapsedTime bounds transient retries per call. Zero means the
	// default of one minute.
	MaxElapsedTime time.Duration
}

// NewClient builds a client for the given server URL and script
// credentials.
func NewClient(baseURL, scriptName, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ScriptName: scriptName,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     logrus.WithField("subsystem", "shotgun"),
	}
}

// Endpoint returns the API3 JSON endpoint URL.
func (c *Client) Endpoint() string {
	return c.BaseURL + "/api3/json"
}

type rpcRequest struct {
	MethodName string `json:"method_name"`
	Params     []any  `json:"params"`
}

type scriptAuth struct {
	ScriptName string `json:"script_name"`
	ScriptKey  string `json:"script_key"`
}

type rpcEnvelope struct {
	Exception bool            `json:"exception"`
	ErrorCode int             `json:"error_code"`
	Message   string          `json:"message"`
	Results   json.RawMessage `json:"results"`
}

// Call performs one API3 method call and decodes its results into out.
// Transient transport failures are retried with exponential backoff;
// upstream faults are returned as *Fault without retrying.
func (c *Client) Call(ctx context.Context, method string, payload any, out any) error {
	params := []any{c.auth()}
	if payload != nil {
		params = append(params, payload)
	}
	body, err := json.Marshal(rpcRequest{MethodName: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.MaxElapsedTime
	if policy.MaxElapsedTime == 0 {
		policy.MaxElapsedTime = time.Minute
	}

	var raw []byte
	err = backoff.Retry(func() error {
		var attemptErr error
		raw, attemptErr = c.post(ctx, body)
		if attemptErr != nil {
			c.Logger.WithError(attemptErr).WithField("method", method).Warn("upstream call failed; retrying")
		}
		return attemptErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Exception {
		return &Fault{Code: env.ErrorCode, Message: env.Message}
	}
	if out != nil && len(env.Results) > 0 {
		if err := json.Unmarshal(env.Results, out); err != nil {
			return fmt.Errorf("decode %s results: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	return raw, nil
}

// CallRaw forwards a pre-encoded request body verbatim and returns the
// raw response body. Used for passthrough, where the cache must not
// reinterpret the request.
func (c *Client) CallRaw(ctx context.Context, body []byte) ([]byte, error) {
	return c.post(ctx, body)
}

func (c *Client) auth() scriptAuth {
	return scriptAuth{ScriptName: c.ScriptName, ScriptKey: c.APIKey}
}

// FindOptions narrow a Find call.
type FindOptions struct {
	PerPage     int
	Limit       int
	RetiredOnly bool
	Sorts       []Sort
}

// Find pages through all entities matching the filters, returning the
// requested fields. It issues one read call per page.
func (c *Client) Find(ctx context.Context, entityType string, filters FilterGroup, fields []string, opts FindOptions) ([]Entity, error) {
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 500
	}
	if filters.LogicalOperator == "" {
		filters.LogicalOperator = "and"
	}
	if filters.Conditions == nil {
		filters.Conditions = []Condition{}
	}

	var all []Entity
	for page := 1; ; page++ {
		req := ReadRequest{
			Type:         entityType,
			Filters:      filters,
			ReturnFields: fields,
			Paging:       Paging{CurrentPage: page, EntitiesPerPage: perPage},
			Sorts:        opts.Sorts,
		}
		if opts.RetiredOnly {
			req.ReturnOnly = "retired"
		}
		var res ReadResult
		if err := c.Call(ctx, "read", req, &res); err != nil {
			return all, err
		}
		all = append(all, res.Entities...)
		if opts.Limit > 0 && len(all) >= opts.Limit {
			return all[:opts.Limit], nil
		}
		if len(res.Entities) < perPage {
			return all, nil
		}
	}
}

// FindOne returns the first entity matching the filters, or nil.
func (c *Client) FindOne(ctx context.Context, entityType string, filters FilterGroup, fields []string, opts FindOptions) (Entity, error) {
	opts.Limit = 1
	opts.PerPage = 1
	entities, err := c.Find(ctx, entityType, filters, fields, opts)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, nil
	}
	return entities[0], nil
}

// Info fetches the upstream server's info block.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	var info map[string]any
	if err := c.Call(ctx, "info", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ParseBaseURL validates a server URL early so misconfiguration fails
// at startup rather than on the first call.
func ParseBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url %q must be http or https", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
