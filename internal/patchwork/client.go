// Package patchwork reads patches from, and reports checks to, Patchwork
// servers through the REST API.
package patchwork

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/haatos/patchtest/internal/service"
)

const (
	pageSize = 100

	requestRetries = 3
	requestBackoff = 500 * time.Millisecond
)

// patchwork serializes dates in UTC without a zone designator.
var dateLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339Nano,
}

var nextLink = regexp.MustCompile(`<([^>]*)>;\s*rel="next"`)

var errNotFound = errors.New("not found")

type Config struct {
	BaseURL string
	Project string
	// APIKey authorizes posting checks.
	APIKey            string
	RequestsPerSecond float64
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	projectID int64
}

func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

type project struct {
	ID       int64  `json:"id"`
	LinkName string `json:"link_name"`
}

type patch struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Date   string `json:"date"`
	Checks string `json:"checks"`
}

// PatchURL is the web address of a patch, as passed to executors.
func (c *Client) PatchURL(id int64) string {
	return fmt.Sprintf("%s/patch/%d/", c.cfg.BaseURL, id)
}

// ListPatchesSince lists the patches of the project published after cursor,
// ordered by date and then id. All pages are fetched before the first patch
// is yielded, so a listing is either complete or fails.
func (c *Client) ListPatchesSince(
	ctx context.Context,
	cursor service.PatchCursor,
) iter.Seq2[service.PatchRecord, error] {
	return func(yield func(service.PatchRecord, error) bool) {
		records, err := c.listPatches(ctx, cursor)
		if err != nil {
			yield(service.PatchRecord{}, err)
			return
		}
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (c *Client) listPatches(ctx context.Context, cursor service.PatchCursor) ([]service.PatchRecord, error) {
	projectID, err := c.resolveProject(ctx)
	if err != nil {
		return nil, err
	}
	if cursor.ID != nil && cursor.Date == nil {
		p, err := c.getPatch(ctx, *cursor.ID)
		if err != nil {
			return nil, fmt.Errorf("reading cursor patch %d: %w", *cursor.ID, err)
		}
		date, err := parseDate(p.Date)
		if err != nil {
			return nil, err
		}
		cursor.Date = &date
	}

	q := url.Values{}
	q.Set("project", strconv.FormatInt(projectID, 10))
	q.Set("order", "date")
	q.Set("per_page", strconv.Itoa(pageSize))
	if cursor.Date != nil {
		q.Set("since", cursor.Date.UTC().Format("2006-01-02T15:04:05"))
	}
	next := c.cfg.BaseURL + "/api/patches/?" + q.Encode()

	var records []service.PatchRecord
	for next != "" {
		var page []patch
		link, err := c.getJSON(ctx, next, &page)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			date, err := parseDate(p.Date)
			if err != nil {
				return nil, fmt.Errorf("patch %d: %w", p.ID, err)
			}
			rec := service.PatchRecord{ID: p.ID, Name: p.Name, URL: c.PatchURL(p.ID), Date: date}
			if afterCursor(rec, cursor) {
				records = append(records, rec)
			}
		}
		next = nextPage(link)
	}

	slices.SortFunc(records, func(a, b service.PatchRecord) int {
		if d := a.Date.Compare(b.Date); d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	c.logger.Debug("listed patches", "project", c.cfg.Project, "count", len(records))
	return records, nil
}

func (c *Client) resolveProject(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectID != 0 {
		return c.projectID, nil
	}
	p := new(project)
	endpoint := fmt.Sprintf("%s/api/projects/%s/", c.cfg.BaseURL, url.PathEscape(c.cfg.Project))
	if _, err := c.getJSON(ctx, endpoint, p); err != nil {
		return 0, fmt.Errorf("reading project %s: %w", c.cfg.Project, err)
	}
	c.projectID = p.ID
	return p.ID, nil
}

func (c *Client) getPatch(ctx context.Context, id int64) (*patch, error) {
	p := new(patch)
	_, err := c.getJSON(ctx, fmt.Sprintf("%s/api/patches/%d/", c.cfg.BaseURL, id), p)
	return p, err
}

// getJSON decodes the response body of endpoint into v and returns the Link
// header.
func (c *Client) getJSON(ctx context.Context, endpoint string, v any) (string, error) {
	var link string
	backoff := retry.WithMaxRetries(requestRetries, retry.NewExponential(requestBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.send(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("GET %s: %w", endpoint, errNotFound)
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("GET %s: %s", endpoint, resp.Status))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("GET %s: %s", endpoint, resp.Status)
		}
		link = resp.Header.Get("Link")
		return json.NewDecoder(resp.Body).Decode(v)
	})
	return link, err
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func afterCursor(rec service.PatchRecord, cursor service.PatchCursor) bool {
	if cursor.Date == nil {
		return cursor.ID == nil || rec.ID > *cursor.ID
	}
	if cursor.ID == nil {
		return !rec.Date.Before(*cursor.Date)
	}
	if d := rec.Date.Compare(*cursor.Date); d != 0 {
		return d > 0
	}
	return rec.ID > *cursor.ID
}

func nextPage(link string) string {
	for part := range strings.SplitSeq(link, ",") {
		if m := nextLink.FindStringSubmatch(part); m != nil {
			return m[1]
		}
	}
	return ""
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid patch date %q", s)
}
