package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"meeting-pipeline-go/internal/logger"
)

// State is the coarse status of a remote speech task.
type State string

const (
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// TaskInfo is one status lookup. Data is the backend's task object, kept
// generic because its result layout varies between backend versions.
type TaskInfo struct {
	State State
	Data  map[string]any
}

type CreateResponse struct {
	Code      any    `json:"Code"`
	Message   string `json:"Message,omitempty"`
	RequestId string `json:"RequestId,omitempty"`
	Data      struct {
		TaskId     string `json:"TaskId"`
		TaskKey    string `json:"TaskKey,omitempty"`
		TaskStatus string `json:"TaskStatus,omitempty"`
	} `json:"Data"`
}

type StatusResponse struct {
	Code      any            `json:"Code"`
	Message   string         `json:"Message,omitempty"`
	RequestId string         `json:"RequestId,omitempty"`
	Data      map[string]any `json:"Data"`
}

// Client talks to the remote speech-task API.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	maxRetryTime time.Duration
	log          *logger.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		maxRetryTime: 12 * time.Second,
		log:          logger.New(),
	}
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(l *logger.Logger) *Client {
	c.log = l
	return c
}

// CreateTask submits an uploaded audio URL and returns the backend task id.
func (c *Client) CreateTask(ctx context.Context, fileURL string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("TRANSCRIBE_URL not set")
	}
	payload, _ := json.Marshal(map[string]any{
		"FileUrl": fileURL,
		"Type":    "offline",
	})
	var resp CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/tasks", payload, &resp); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if resp.Data.TaskId == "" {
		return "", fmt.Errorf("create task: empty task id (code=%v message=%s)", resp.Code, resp.Message)
	}
	c.log.WithField("task_id", resp.Data.TaskId).Info("remote task created")
	return resp.Data.TaskId, nil
}

// GetStatus looks up a task. A lookup that returns normally never reports an
// error for a running task; RUNNING is a state, not a failure.
func (c *Client) GetStatus(ctx context.Context, taskID string) (TaskInfo, error) {
	if c.baseURL == "" {
		return TaskInfo{}, errors.New("TRANSCRIBE_URL not set")
	}
	endpoint := c.baseURL + "/tasks/" + url.PathEscape(taskID)
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return TaskInfo{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	status, _ := resp.Data["TaskStatus"].(string)
	c.log.WithField("task_id", taskID).WithField("status", status).Debug("polling remote task")
	return TaskInfo{State: ParseState(status), Data: resp.Data}, nil
}

// ParseState maps backend status strings onto the three coarse states.
func ParseState(s string) State {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "COMPLETED":
		return StateSuccess
	case "FAILED":
		return StateFailed
	default:
		return StateRunning
	}
}

// FetchJSON downloads a result artifact. file:// URLs are read from disk so
// locally produced results go through the same path.
func (c *Client) FetchJSON(ctx context.Context, rawURL string) (any, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse artifact url: %w", err)
	}
	if u.Scheme == "file" {
		b, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", u.Path, err)
		}
		return v, nil
	}
	var v any
	if err := c.doJSON(ctx, http.MethodGet, rawURL, nil, &v); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return v, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, target interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxRetryTime
	var lastErr error
	op := func() error {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" && strings.HasPrefix(endpoint, c.baseURL) {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error: %s", string(b))
			return lastErr
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(b))
			return backoff.Permanent(lastErr)
		}
		if len(b) == 0 {
			lastErr = fmt.Errorf("empty body")
			return lastErr
		}
		if err := json.Unmarshal(b, target); err != nil {
			lastErr = fmt.Errorf("json decode error: %v body=%s", err, string(b))
			return backoff.Permanent(lastErr)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
