package service

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// DefaultSkipPatterns match patches addressed to other projects sharing the
// same list, and pull requests.
var DefaultSkipPatterns = []string{
	`\[[^\]]*iproute.*?\]`,
	`\[[^\]]*pktgen.*?\]`,
	`\[[^\]]*ethtool.*?\]`,
	`\[[^\]]*git.*?\]`,
	`\[[^\]]*pull.*?\]`,
	`pull.?request`,
}

// PatchFilter decides which patches are recorded as skipped instead of
// being tested. A patch is skipped when its name matches a skip pattern or
// the filter program exits with status 1.
type PatchFilter struct {
	skip    *regexp.Regexp
	program string
}

// NewPatchFilter compiles patterns case-insensitively. An empty program
// disables the program check.
func NewPatchFilter(patterns []string, program string) (*PatchFilter, error) {
	f := &PatchFilter{program: program}
	if len(patterns) > 0 {
		re, err := regexp.Compile("(?i)" + strings.Join(patterns, "|"))
		if err != nil {
			return nil, fmt.Errorf("compiling skip patterns: %w", err)
		}
		f.skip = re
	}
	return f, nil
}

// Skip reports whether rec should not be tested. The filter program is
// given the patch mbox URL; exit status 0 means test, 1 means skip and any
// other status is an error.
func (f *PatchFilter) Skip(ctx context.Context, rec PatchRecord) (bool, error) {
	if f == nil {
		return false, nil
	}
	if f.skip != nil && f.skip.MatchString(rec.Name) {
		return true, nil
	}
	if f.program == "" {
		return false, nil
	}

	cmd := exec.CommandContext(ctx, f.program, mboxURL(rec.URL))
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 1:
			return true, nil
		case -1:
			return false, fmt.Errorf("filter %s terminated for patch %d: %w", f.program, rec.ID, err)
		default:
			return false, fmt.Errorf("filter %s returned status %d for patch %d", f.program, code, rec.ID)
		}
	}
	return false, fmt.Errorf("running filter %s: %w", f.program, err)
}

func mboxURL(patchURL string) string {
	return strings.TrimSuffix(patchURL, "/") + "/mbox/"
}
