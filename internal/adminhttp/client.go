package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// StatusError is returned for unexpected response statuses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client calls the admin API.
type Client struct {
	BaseURL    *url.URL     // required
	Token      string       // required
	HTTPClient *http.Client // default: client with a 30s timeout
}

func NewClient(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("adminhttp.NewClient: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("adminhttp.NewClient: invalid URL %q", baseURL)
	}
	return &Client{BaseURL: u, Token: token}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return c.HTTPClient
}

func (c *Client) QueuedJobs(ctx context.Context) ([]*JobResponse, error) {
	var jobs []*JobResponse
	if err := c.getJSON(ctx, "api/v1/jobs/queued", nil, &jobs); err != nil {
		return nil, fmt.Errorf("adminhttp.Client: %w", err)
	}
	return jobs, nil
}

// RunningJobs returns jobs being processed, only those of courseID when it isn't nil.
func (c *Client) RunningJobs(ctx context.Context, courseID *int64) ([]*JobResponse, error) {
	query := url.Values{}
	if courseID != nil {
		query.Set("courseId", strconv.FormatInt(*courseID, 10))
	}
	var jobs []*JobResponse
	if err := c.getJSON(ctx, "api/v1/jobs/running", query, &jobs); err != nil {
		return nil, fmt.Errorf("adminhttp.Client: %w", err)
	}
	return jobs, nil
}

func (c *Client) Agents(ctx context.Context) ([]*AgentResponse, error) {
	var agents []*AgentResponse
	if err := c.getJSON(ctx, "api/v1/agents", nil, &agents); err != nil {
		return nil, fmt.Errorf("adminhttp.Client: %w", err)
	}
	return agents, nil
}

// Result returns the result of jobID or ErrNotFound.
func (c *Client) Result(ctx context.Context, jobID uuid.UUID) (*ResultResponse, error) {
	var result ResultResponse
	if err := c.getJSON(ctx, "api/v1/jobs/"+jobID.String()+"/result", nil, &result); err != nil {
		return nil, fmt.Errorf("adminhttp.Client: %w", err)
	}
	return &result, nil
}

// Log copies the full build log of jobID to w. It returns ErrNotFound when
// the log wasn't archived.
func (c *Client) Log(ctx context.Context, jobID uuid.UUID, w io.Writer) error {
	resp, err := c.get(ctx, "api/v1/jobs/"+jobID.String()+"/log", nil)
	if err != nil {
		return fmt.Errorf("adminhttp.Client: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if _, err = io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("adminhttp.Client: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, p string, query url.Values, out any) error {
	resp, err := c.get(ctx, p, query)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return json.NewDecoder(resp.Body).Decode(out)
}

// get returns the response of a successful request, the caller closes its body.
func (c *Client) get(ctx context.Context, p string, query url.Values) (*http.Response, error) {
	u := c.BaseURL.JoinPath(p)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
