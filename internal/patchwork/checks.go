package patchwork

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

const (
	checkContext = "patchtest"
	// Patchwork stores check descriptions in a varchar(255).
	maxDescription = 255
)

type check struct {
	State       string `json:"state"`
	TargetURL   string `json:"target_url,omitempty"`
	Context     string `json:"context"`
	Description string `json:"description"`
}

// CheckSink reports the verdict of a patch run as a check on the patch.
// Sources without an API key and baseline probes are ignored.
type CheckSink struct {
	http    *http.Client
	apiKeys map[string]string
	logger  *slog.Logger
}

// NewCheckSink returns a sink posting checks with apiKeys, keyed by server
// base URL.
func NewCheckSink(httpClient *http.Client, apiKeys map[string]string, logger *slog.Logger) *CheckSink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CheckSink{http: httpClient, apiKeys: apiKeys, logger: logger}
}

func (s *CheckSink) Deliver(ctx context.Context, o service.Outcome) error {
	if o.Patch == nil || o.Source == nil {
		return nil
	}
	key, ok := s.apiKeys[o.Source.BaseURL]
	if !ok || key == "" {
		s.logger.Debug("no patchwork api key, not setting check", "base_url", o.Source.BaseURL)
		return nil
	}

	client := NewClient(Config{BaseURL: o.Source.BaseURL, APIKey: key}, s.http, s.logger)
	p, err := client.getPatch(ctx, o.Patch.ID)
	if err != nil {
		return fmt.Errorf("reading patch %d: %w", o.Patch.ID, err)
	}
	checksURL := p.Checks
	if checksURL == "" {
		checksURL = fmt.Sprintf("%s/api/patches/%d/checks/", client.cfg.BaseURL, o.Patch.ID)
	}

	body, err := json.Marshal(checkFor(o.Run))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, checksURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("posting check for patch %d: %s", o.Patch.ID, resp.Status)
	}
	return nil
}

func checkFor(run store.TestRun) check {
	c := check{Context: checkContext}
	if run.ResultURL != nil {
		c.TargetURL = *run.ResultURL
	}
	switch run.State {
	case store.StatePassed:
		c.State = "success"
		c.Description = "patch applied and tests passed"
	case store.StateFailed:
		c.State = "fail"
		c.Description = "tests failed"
	default:
		c.State = "warning"
		c.Description = "testing could not complete"
		if run.Error != nil {
			c.Description += ": " + *run.Error
		}
	}
	c.Description = util.Truncate(c.Description, maxDescription)
	return c
}
