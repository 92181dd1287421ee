package httpapi

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

	"github.com/petrijr/fluxo-bpmn/pkg/api"
)

// Client implements api.ExternalTaskAPI against a Server. Every call
// authenticates with the identity's token.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ api.ExternalTaskAPI = (*Client)(nil)

// NewClient returns a Client for the server at baseURL. A nil httpClient uses
// a client without timeout; long polls are bounded by the caller's context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) FetchAndLockExternalTasks(
	ctx context.Context,
	identity api.Identity,
	workerID, topic string,
	maxTasks int,
	longPollingTimeout, lockDuration time.Duration,
) ([]*api.ExternalTask, error) {
	req := fetchAndLockRequest{
		WorkerID:           workerID,
		TopicName:          topic,
		MaxTasks:           maxTasks,
		LongPollingTimeout: millis(longPollingTimeout),
		LockDuration:       millis(lockDuration),
	}
	var out []externalTask
	if err := c.post(ctx, identity, routeFetchAndLock, req, &out); err != nil {
		return nil, err
	}

	tasks := make([]*api.ExternalTask, 0, len(out))
	for _, t := range out {
		tasks = append(tasks, fromWire(t))
	}
	return tasks, nil
}

func (c *Client) ExtendLock(ctx context.Context, identity api.Identity, workerID, taskID string, additionalDuration time.Duration) error {
	req := extendLockRequest{WorkerID: workerID, AdditionalDuration: millis(additionalDuration)}
	return c.post(ctx, identity, taskPath(routeExtendLock, taskID), req, nil)
}

func (c *Client) FinishExternalTask(ctx context.Context, identity api.Identity, workerID, taskID string, result json.RawMessage) error {
	req := finishRequest{WorkerID: workerID, Result: result}
	return c.post(ctx, identity, taskPath(routeFinish, taskID), req, nil)
}

func (c *Client) HandleBpmnError(ctx context.Context, identity api.Identity, workerID, taskID, errorCode string) error {
	req := bpmnErrorRequest{WorkerID: workerID, ErrorCode: errorCode}
	return c.post(ctx, identity, taskPath(routeHandleBpmnError, taskID), req, nil)
}

func (c *Client) HandleServiceError(ctx context.Context, identity api.Identity, workerID, taskID, errorMessage, errorDetails string) error {
	req := serviceErrorRequest{WorkerID: workerID, ErrorMessage: errorMessage, ErrorDetails: errorDetails}
	return c.post(ctx, identity, taskPath(routeHandleServiceError, taskID), req, nil)
}

func taskPath(route, taskID string) string {
	return strings.Replace(route, "{id}", url.PathEscape(taskID), 1)
}

func (c *Client) post(ctx context.Context, identity api.Identity, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if identity.Token != "" {
		req.Header.Set("Authorization", "Bearer "+identity.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError rebuilds the *api.Error the server reported.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Kind == "" {
		return api.Errorf(kindForStatus(resp.StatusCode), "request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &api.Error{Kind: api.ParseErrorKind(e.Kind), Message: e.Message}
}

func kindForStatus(status int) api.ErrorKind {
	for k := api.KindInternal; k <= api.KindBadRequest; k++ {
		if StatusCode(k) == status {
			return k
		}
	}
	return api.KindInternal
}
