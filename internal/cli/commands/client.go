package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alvesdmateus/instance-deployer/internal/progress"
	"github.com/alvesdmateus/instance-deployer/pkg/models"
)

const userHeader = "X-User-ID"

// APIError is a non-2xx answer from the deployer API
type APIError struct {
	Status  int    `json:"-"`
	Title   string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

// Client talks to the deployer HTTP API on behalf of one user
type Client struct {
	http    *resty.Client
	baseURL string
	userID  string
}

// NewClient creates an API client
func NewClient(baseURL, userID string, timeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	rc := resty.New().
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if userID != "" {
		rc.SetHeader(userHeader, userID)
	}
	return &Client{http: rc, baseURL: baseURL, userID: userID}
}

// deploymentList mirrors the list envelope
type deploymentList struct {
	Deployments []models.DeploymentView `json:"deployments"`
	Total       int                     `json:"total"`
}

type instanceList struct {
	Instances []models.InstanceView `json:"instances"`
	Total     int                   `json:"total"`
}

type logList struct {
	DeploymentID string            `json:"deployment_id"`
	Logs         []models.LogEntry `json:"logs"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&APIError{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr, _ := resp.Error().(*APIError)
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.Status = resp.StatusCode()
		if apiErr.Title == "" {
			apiErr.Title = http.StatusText(apiErr.Status)
		}
		return apiErr
	}
	return nil
}

// Deploy submits a new deployment
func (c *Client) Deploy(ctx context.Context, req *models.DeployRequest) (*models.JobAccepted, error) {
	var out models.JobAccepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Redeploy resyncs an existing deployment
func (c *Client) Redeploy(ctx context.Context, id string, req *models.RedeployRequest) (*models.JobAccepted, error) {
	var out models.JobAccepted
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+url.PathEscape(id)+"/redeploy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateEnv replaces a deployment's environment file
func (c *Client) UpdateEnv(ctx context.Context, id, env string) (*models.JobAccepted, error) {
	var out models.JobAccepted
	body := &models.EnvUpdateRequest{Env: env}
	if err := c.do(ctx, http.MethodPut, "/api/v1/deployments/"+url.PathEscape(id)+"/env", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the current status and phase
func (c *Client) Status(ctx context.Context, id string) (*models.StatusView, error) {
	var out models.StatusView
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result returns the terminal outcome of a deployment
func (c *Client) Result(ctx context.Context, id string) (*models.Result, error) {
	var out models.Result
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments/"+url.PathEscape(id)+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeployments returns the caller's deployments
func (c *Client) ListDeployments(ctx context.Context, limit, offset int) ([]models.DeploymentView, error) {
	path := "/api/v1/deployments"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out deploymentList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// Logs returns a deployment's stored progress history
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]models.LogEntry, error) {
	path := "/api/v1/deployments/" + url.PathEscape(id) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out logList
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// ListInstances returns the caller's instances
func (c *Client) ListInstances(ctx context.Context) ([]models.InstanceView, error) {
	var out instanceList
	if err := c.do(ctx, http.MethodGet, "/api/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out.Instances, nil
}

// DeleteInstance queues an instance teardown
func (c *Client) DeleteInstance(ctx context.Context, id string) (*models.JobAccepted, error) {
	var out models.JobAccepted
	if err := c.do(ctx, http.MethodDelete, "/api/v1/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamLogs tails the caller's live progress stream, calling fn for every
// event until ctx is done or the server closes the socket.
func (c *Client) StreamLogs(ctx context.Context, fn func(progress.Event)) error {
	wsURL, err := c.websocketURL("/api/v1/logs/stream")
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set(userHeader, c.userID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}

		var ev progress.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}
