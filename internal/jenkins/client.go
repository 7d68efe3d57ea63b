// Package jenkins runs test jobs as parameterized Jenkins builds.
package jenkins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/haatos/patchtest/internal/service"
)

const (
	queuePrefix = "queue/"
	buildPrefix = "build/"

	requestRetries = 3
	requestBackoff = 500 * time.Millisecond
)

var errNotFound = errors.New("not found")

type Config struct {
	URL      string
	Username string
	Token    string
	Job      string
	// Params are passed with every build, for example baseconfig and
	// makeopts.
	Params map[string]string
	// RequestsPerSecond throttles calls to the server. Zero disables the
	// limit.
	RequestsPerSecond float64
}

// Client submits builds with buildWithParameters. A submitted job is first
// identified by its queue item ("queue/<id>") and, once Jenkins schedules
// it, by its build number ("build/<n>").
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (c *Client) Submit(ctx context.Context, spec service.JobSpec) (string, error) {
	form := url.Values{}
	for k, v := range c.cfg.Params {
		form.Set(k, v)
	}
	form.Set("baserepo", spec.RepoURL)
	form.Set("ref", spec.CommitID)
	// Jenkins reserves "token" for the remote trigger token of the job.
	form.Set("run_token", spec.Token)
	if spec.Subject != "" {
		form.Set("subject", spec.Subject)
	}
	if len(spec.PatchURLs) > 0 {
		form.Set("patchwork", strings.Join(spec.PatchURLs, " "))
	}

	endpoint := c.jobURL() + "/buildWithParameters"
	var location string
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(
			ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()),
		)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.send(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("jenkins returned %s", resp.Status))
		case resp.StatusCode != http.StatusCreated:
			return &service.SubmissionError{Reason: "jenkins returned " + resp.Status}
		}
		location = resp.Header.Get("Location")
		return nil
	})
	if err != nil {
		var subErr *service.SubmissionError
		if errors.As(err, &subErr) || ctx.Err() != nil {
			return "", err
		}
		return "", &service.SubmissionError{Reason: "jenkins unreachable", Err: err}
	}

	id, err := queueItemID(location)
	if err != nil {
		return "", &service.SubmissionError{Reason: "unexpected queue location", Err: err}
	}
	c.logger.Debug("build queued", "job", c.cfg.Job, "queue_item", id, "token", spec.Token)
	return queuePrefix + id, nil
}

type queueItem struct {
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int64  `json:"number"`
		URL    string `json:"url"`
	} `json:"executable"`
}

type build struct {
	Building bool    `json:"building"`
	Result   *string `json:"result"`
	URL      string  `json:"url"`
}

func (c *Client) Poll(ctx context.Context, handle string) (service.JobStatus, error) {
	switch {
	case strings.HasPrefix(handle, queuePrefix):
		return c.pollQueue(ctx, strings.TrimPrefix(handle, queuePrefix))
	case strings.HasPrefix(handle, buildPrefix):
		return c.pollBuild(ctx, strings.TrimPrefix(handle, buildPrefix))
	default:
		return service.JobStatus{}, fmt.Errorf("invalid jenkins handle %q", handle)
	}
}

func (c *Client) pollQueue(ctx context.Context, id string) (service.JobStatus, error) {
	item := new(queueItem)
	err := c.getJSON(ctx, fmt.Sprintf("%s/queue/item/%s/api/json", c.cfg.URL, id), item)
	switch {
	case errors.Is(err, errNotFound):
		return service.JobStatus{
			State:   service.JobDone,
			Verdict: service.VerdictError,
			Message: "queue item " + id + " no longer exists",
		}, nil
	case err != nil:
		return service.JobStatus{}, err
	case item.Cancelled:
		return service.JobStatus{
			State:   service.JobDone,
			Verdict: service.VerdictError,
			Message: "queue item " + id + " was cancelled",
		}, nil
	case item.Executable == nil:
		return service.JobStatus{State: service.JobQueued, Message: item.Why}, nil
	}

	number := strconv.FormatInt(item.Executable.Number, 10)
	status, err := c.pollBuild(ctx, number)
	if err != nil {
		return service.JobStatus{State: service.JobRunning, Handle: buildPrefix + number}, nil
	}
	status.Handle = buildPrefix + number
	return status, nil
}

func (c *Client) pollBuild(ctx context.Context, number string) (service.JobStatus, error) {
	b := new(build)
	err := c.getJSON(ctx, fmt.Sprintf("%s/%s/api/json", c.jobURL(), number), b)
	if errors.Is(err, errNotFound) {
		return service.JobStatus{
			State:   service.JobDone,
			Verdict: service.VerdictError,
			Message: "build " + number + " no longer exists",
		}, nil
	}
	if err != nil {
		return service.JobStatus{}, err
	}
	if b.Building || b.Result == nil {
		return service.JobStatus{State: service.JobRunning, ResultURL: b.URL}, nil
	}

	status := service.JobStatus{State: service.JobDone, ResultURL: b.URL}
	switch *b.Result {
	case "SUCCESS":
		status.Verdict = service.VerdictPass
	case "UNSTABLE":
		status.Verdict = service.VerdictFail
	default:
		status.Verdict = service.VerdictError
		status.Message = "build result " + *b.Result
	}
	return status, nil
}

// Cancel removes a queued item or stops a running build.
func (c *Client) Cancel(ctx context.Context, handle string) error {
	var endpoint string
	switch {
	case strings.HasPrefix(handle, queuePrefix):
		endpoint = fmt.Sprintf("%s/queue/cancelItem?id=%s", c.cfg.URL, strings.TrimPrefix(handle, queuePrefix))
	case strings.HasPrefix(handle, buildPrefix):
		endpoint = fmt.Sprintf("%s/%s/stop", c.jobURL(), strings.TrimPrefix(handle, buildPrefix))
	default:
		return fmt.Errorf("invalid jenkins handle %q", handle)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// both endpoints answer with a redirect
	if resp.StatusCode >= 400 {
		return fmt.Errorf("cancelling %s: jenkins returned %s", handle, resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	return c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.send(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errNotFound
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("GET %s: %s", endpoint, resp.Status))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(v)
	})
}

func (c *Client) do(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(requestRetries, retry.NewExponential(requestBackoff))
	return retry.Do(ctx, backoff, fn)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Token)
	}
	return c.http.Do(req)
}

func (c *Client) jobURL() string {
	return c.cfg.URL + "/job/" + url.PathEscape(c.cfg.Job)
}

// queueItemID extracts the id from a location such as
// https://ci.example.com/queue/item/42/.
func queueItemID(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "item" {
		return "", fmt.Errorf("no queue item in %q", location)
	}
	id := parts[len(parts)-1]
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", fmt.Errorf("no queue item in %q", location)
	}
	return id, nil
}
