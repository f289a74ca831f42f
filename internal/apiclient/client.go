// Package apiclient talks to the host API over its unix socket.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/babelcloud/tunerbridge/internal/bridge"
	"github.com/babelcloud/tunerbridge/internal/host"
	"github.com/babelcloud/tunerbridge/internal/registry"
	"github.com/pkg/errors"
)

// socketBaseURL is the URL used for requests routed over a unix socket. The
// host part is ignored by the dialer.
const socketBaseURL = "http://tunerbridge"

// APIError is a non-2xx answer of the host.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a client for the API socket at path.
func New(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{
		baseURL: socketBaseURL,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// NewWithURL returns a client for a host served on baseURL.
func NewWithURL(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), client: httpClient}
}

// BaseURL is the URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks the host answers.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Register performs the registration handshake for one tuner.
func (c *Client) Register(ctx context.Context, reg registry.Registration) (host.RegisterResponse, error) {
	var out host.RegisterResponse
	err := c.call(ctx, http.MethodPost, "/api/tuners/register", reg, &out)
	return out, err
}

func (c *Client) ListTuners(ctx context.Context) ([]registry.Entry, error) {
	var out []registry.Entry
	err := c.call(ctx, http.MethodGet, "/api/tuners", nil, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (host.StatusResponse, error) {
	var out host.StatusResponse
	err := c.call(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) ListAdapters(ctx context.Context) ([]bridge.AdapterState, error) {
	var out []bridge.AdapterState
	err := c.call(ctx, http.MethodGet, "/api/adapters", nil, &out)
	return out, err
}

func (c *Client) Adapter(ctx context.Context, id int32) (bridge.AdapterState, error) {
	var out bridge.AdapterState
	err := c.call(ctx, http.MethodGet, adapterPath(id, ""), nil, &out)
	return out, err
}

// Tune tunes adapter id and returns the frontend status after the tune.
func (c *Client) Tune(ctx context.Context, id int32, frequency uint32) (host.FrontendStatus, error) {
	var out host.FrontendStatus
	err := c.call(ctx, http.MethodPost, adapterPath(id, "/tune"), host.TuneRequest{Frequency: frequency}, &out)
	return out, err
}

func (c *Client) Frontend(ctx context.Context, id int32) (host.FrontendStatus, error) {
	var out host.FrontendStatus
	err := c.call(ctx, http.MethodGet, adapterPath(id, "/frontend"), nil, &out)
	return out, err
}

func (c *Client) StartFeed(ctx context.Context, id int32, pid uint16, index uint32) (bridge.AdapterState, error) {
	var out bridge.AdapterState
	err := c.call(ctx, http.MethodPost, adapterPath(id, "/feeds"), host.FeedRequest{PID: pid, Index: index}, &out)
	return out, err
}

func (c *Client) StopFeed(ctx context.Context, id int32, pid uint16, index uint32) (bridge.AdapterState, error) {
	var out bridge.AdapterState
	query := url.Values{"index": {strconv.FormatUint(uint64(index), 10)}}
	path := adapterPath(id, fmt.Sprintf("/feeds/%d?%s", pid, query.Encode()))
	err := c.call(ctx, http.MethodDelete, path, nil, &out)
	return out, err
}

func (c *Client) SetFilter(ctx context.Context, id int32, req host.FilterRequest) (bridge.AdapterState, error) {
	var out bridge.AdapterState
	err := c.call(ctx, http.MethodPost, adapterPath(id, "/filter"), req, &out)
	return out, err
}

func (c *Client) PIDs(ctx context.Context, id int32) (host.PIDsResponse, error) {
	var out host.PIDsResponse
	err := c.call(ctx, http.MethodGet, adapterPath(id, "/pids"), nil, &out)
	return out, err
}

func adapterPath(id int32, suffix string) string {
	return fmt.Sprintf("/api/adapters/%d%s", id, suffix)
}

// call makes an API call to the host
func (c *Client) call(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bodyReader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}
