// Package agent runs test jobs on a build agent reached over SSH. Every job
// gets a directory under the agent workspace holding its environment, the
// test script, its output and, once finished, its exit code.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/haatos/patchtest/internal/service"
)

const handlePrefix = "agent/"

const (
	envFile      = "job.env"
	scriptFile   = "job.sh"
	outputFile   = "output.log"
	exitCodeFile = "exitcode"
	pidFile      = "pid"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

type Config struct {
	Workspace string
	// Script is the test script run with the job environment sourced.
	Script string
	Env    map[string]string
	// Host names the agent in result URLs.
	Host string
}

type Executor struct {
	remote Remote
	cfg    Config
	logger *slog.Logger
}

func NewExecutor(remote Remote, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{remote: remote, cfg: cfg, logger: logger}
}

func (e *Executor) Submit(ctx context.Context, spec service.JobSpec) (string, error) {
	if !tokenPattern.MatchString(spec.Token) {
		return "", &service.SubmissionError{Reason: fmt.Sprintf("invalid run token %q", spec.Token)}
	}
	dir := e.jobDir(spec.Token)

	if err := e.remote.WriteFile(path.Join(dir, envFile), []byte(e.jobEnv(spec)), 0o600); err != nil {
		return "", &service.SubmissionError{Reason: "agent unreachable", Err: err}
	}
	if err := e.remote.WriteFile(path.Join(dir, scriptFile), []byte(e.cfg.Script), 0o700); err != nil {
		return "", &service.SubmissionError{Reason: "agent unreachable", Err: err}
	}

	status, out, err := e.remote.Run(ctx, launchCommand(dir))
	if err != nil {
		return "", &service.SubmissionError{Reason: "agent unreachable", Err: err}
	}
	if status != 0 {
		return "", &service.SubmissionError{
			Reason: fmt.Sprintf("launching job exited %d: %s", status, strings.TrimSpace(string(out))),
		}
	}
	e.logger.Info("job started on agent", "host", e.cfg.Host, "token", spec.Token, "dir", dir)
	return handlePrefix + spec.Token, nil
}

func (e *Executor) Poll(ctx context.Context, handle string) (service.JobStatus, error) {
	token, err := parseHandle(handle)
	if err != nil {
		return service.JobStatus{}, err
	}
	dir := e.jobDir(token)

	if status, ok, err := e.readExitCode(dir); err != nil || ok {
		return status, err
	}

	code, _, err := e.remote.Run(ctx, fmt.Sprintf("kill -0 $(cat %s)", shellQuote(path.Join(dir, pidFile))))
	if err != nil {
		return service.JobStatus{}, err
	}
	if code == 0 {
		return service.JobStatus{State: service.JobRunning}, nil
	}

	// the job may have finished between the two reads
	if status, ok, err := e.readExitCode(dir); err != nil || ok {
		return status, err
	}
	return service.JobStatus{
		State:   service.JobDone,
		Verdict: service.VerdictError,
		Message: "job exited without recording an exit code",
	}, nil
}

func (e *Executor) Cancel(ctx context.Context, handle string) error {
	token, err := parseHandle(handle)
	if err != nil {
		return err
	}
	pid := shellQuote(path.Join(e.jobDir(token), pidFile))
	_, _, err = e.remote.Run(ctx, fmt.Sprintf(
		"pid=$(cat %s) && pkill -TERM -P \"$pid\"; kill -TERM \"$pid\" 2>/dev/null; true", pid,
	))
	return err
}

func (e *Executor) readExitCode(dir string) (service.JobStatus, bool, error) {
	b, err := e.remote.ReadFile(path.Join(dir, exitCodeFile))
	if errors.Is(err, os.ErrNotExist) {
		return service.JobStatus{}, false, nil
	}
	if err != nil {
		return service.JobStatus{}, false, err
	}

	status := service.JobStatus{
		State:     service.JobDone,
		ResultURL: e.resultURL(dir),
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(b)))
	switch {
	case err != nil:
		status.Verdict = service.VerdictError
		status.Message = fmt.Sprintf("unreadable exit code %q", strings.TrimSpace(string(b)))
	case code == 0:
		status.Verdict = service.VerdictPass
	case code == 1:
		status.Verdict = service.VerdictFail
	default:
		status.Verdict = service.VerdictError
		status.Message = fmt.Sprintf("job exited %d", code)
	}
	return status, true, nil
}

func (e *Executor) jobDir(token string) string {
	return path.Join(e.cfg.Workspace, token)
}

func (e *Executor) resultURL(dir string) string {
	if e.cfg.Host == "" {
		return ""
	}
	return "sftp://" + e.cfg.Host + path.Join("/", dir, outputFile)
}

// jobEnv renders the job parameters as shell assignments.
func (e *Executor) jobEnv(spec service.JobSpec) string {
	env := map[string]string{
		"PATCHTEST_TOKEN": spec.Token,
		"BASEREPO":        spec.RepoURL,
		"REF":             spec.Ref,
		"COMMIT":          spec.CommitID,
		"SUBJECT":         spec.Subject,
		"PATCHWORK":       strings.Join(spec.PatchURLs, " "),
	}
	for k, v := range e.cfg.Env {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(env)) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	return b.String()
}

// launchCommand starts the job script detached from the session. The exit
// code is written to a temporary file and renamed so a reader never sees a
// partial value.
func launchCommand(dir string) string {
	job := fmt.Sprintf(
		". ./%s; sh ./%s > %s 2>&1; echo $? > %s.tmp; mv %s.tmp %s",
		envFile, scriptFile, outputFile, exitCodeFile, exitCodeFile, exitCodeFile,
	)
	return fmt.Sprintf(
		"cd %s && rm -f %s && (nohup sh -c %s < /dev/null > /dev/null 2>&1 & echo $! > %s)",
		shellQuote(dir), exitCodeFile, shellQuote(job), pidFile,
	)
}

func parseHandle(handle string) (string, error) {
	token, ok := strings.CutPrefix(handle, handlePrefix)
	if !ok || !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("not an agent job handle: %q", handle)
	}
	return token, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
