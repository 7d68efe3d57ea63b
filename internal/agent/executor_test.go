package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/patchtest/internal/logging"
	"github.com/haatos/patchtest/internal/service"
)

// localRemote runs the agent side on this machine.
type localRemote struct {
	runErr error
}

func (r *localRemote) Run(ctx context.Context, cmd string) (int, []byte, error) {
	if r.runErr != nil {
		return 0, nil, r.runErr
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	return 0, out, err
}

func (r *localRemote) WriteFile(name string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return os.WriteFile(name, data, perm)
}

func (r *localRemote) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (r *localRemote) Close() error { return nil }

func testSpec(token string) service.JobSpec {
	return service.JobSpec{
		Token:     token,
		RepoURL:   "git://git.example.com/net-next.git",
		Ref:       "main",
		CommitID:  "c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1",
		PatchURLs: []string{"https://pw.example.com/patch/1/", "https://pw.example.com/patch/2/"},
		Subject:   "[PATCH] it's a fix",
	}
}

func newTestExecutor(t *testing.T, script string) (*Executor, string) {
	t.Helper()
	workspace := t.TempDir()
	e := NewExecutor(&localRemote{}, Config{
		Workspace: workspace,
		Script:    script,
		Env:       map[string]string{"MAKEOPTS": "-j8"},
		Host:      "agent.example.com",
	}, logging.Discard())
	return e, workspace
}

// waitDone polls handle until the job is done.
func waitDone(t *testing.T, e *Executor, handle string) service.JobStatus {
	t.Helper()
	var status service.JobStatus
	require.Eventually(t, func() bool {
		s, err := e.Poll(context.Background(), handle)
		if err != nil {
			return false
		}
		status = s
		return s.State == service.JobDone
	}, 10*time.Second, 20*time.Millisecond)
	return status
}

func TestExecutor_SubmitAndPoll(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		expected service.Verdict
	}{
		{"success - exit 0 passes", "exit 0\n", service.VerdictPass},
		{"success - exit 1 fails", "exit 1\n", service.VerdictFail},
		{"success - other exit codes are errors", "exit 3\n", service.VerdictError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			e, workspace := newTestExecutor(t, tc.script)

			// act
			handle, err := e.Submit(context.Background(), testSpec("run-1"))
			require.NoError(t, err)
			status := waitDone(t, e, handle)

			// assert
			assert.Equal(t, "agent/run-1", handle)
			assert.Equal(t, tc.expected, status.Verdict)
			assert.Equal(t, "sftp://agent.example.com"+filepath.Join(workspace, "run-1", "output.log"), status.ResultURL)
		})
	}
}

func TestExecutor_JobEnvironment(t *testing.T) {
	// arrange
	e, workspace := newTestExecutor(t, `echo "$SUBJECT|$COMMIT|$PATCHWORK|$MAKEOPTS|$PATCHTEST_TOKEN"`+"\n")

	// act
	handle, err := e.Submit(context.Background(), testSpec("run-2"))
	require.NoError(t, err)
	status := waitDone(t, e, handle)

	// assert
	assert.Equal(t, service.VerdictPass, status.Verdict)
	out, err := os.ReadFile(filepath.Join(workspace, "run-2", "output.log"))
	require.NoError(t, err)
	assert.Equal(t,
		"[PATCH] it's a fix|c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1|"+
			"https://pw.example.com/patch/1/ https://pw.example.com/patch/2/|-j8|run-2\n",
		string(out),
	)
}

func TestExecutor_Poll(t *testing.T) {
	t.Run("success - running job", func(t *testing.T) {
		// arrange
		e, workspace := newTestExecutor(t, "sleep 30\n")
		handle, err := e.Submit(context.Background(), testSpec("run-3"))
		require.NoError(t, err)
		defer e.Cancel(context.Background(), handle)

		// act
		status, err := e.Poll(context.Background(), handle)

		// assert
		require.NoError(t, err)
		assert.Equal(t, service.JobRunning, status.State)
		assert.FileExists(t, filepath.Join(workspace, "run-3", "pid"))
	})

	t.Run("success - cancelled job ends with an error verdict", func(t *testing.T) {
		// arrange
		e, _ := newTestExecutor(t, "sleep 30\n")
		handle, err := e.Submit(context.Background(), testSpec("run-4"))
		require.NoError(t, err)

		// act
		require.NoError(t, e.Cancel(context.Background(), handle))
		status := waitDone(t, e, handle)

		// assert
		assert.Equal(t, service.VerdictError, status.Verdict)
	})

	t.Run("success - job that never started is an error", func(t *testing.T) {
		// arrange
		e, _ := newTestExecutor(t, "exit 0\n")

		// act
		status, err := e.Poll(context.Background(), "agent/missing")

		// assert
		require.NoError(t, err)
		assert.Equal(t, service.JobDone, status.State)
		assert.Equal(t, service.VerdictError, status.Verdict)
	})

	t.Run("failure - foreign handle", func(t *testing.T) {
		// arrange
		e, _ := newTestExecutor(t, "exit 0\n")

		// act
		_, err := e.Poll(context.Background(), "queue/12")

		// assert
		assert.Error(t, err)
	})
}

func TestExecutor_Submit(t *testing.T) {
	t.Run("failure - agent unreachable", func(t *testing.T) {
		// arrange
		remote := &localRemote{runErr: errors.New("connection refused")}
		e := NewExecutor(remote, Config{Workspace: t.TempDir(), Script: "exit 0\n"}, logging.Discard())

		// act
		_, err := e.Submit(context.Background(), testSpec("run-5"))

		// assert
		assert.ErrorIs(t, err, service.ErrSubmission)
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("failure - token with shell characters", func(t *testing.T) {
		// arrange
		e, _ := newTestExecutor(t, "exit 0\n")

		// act
		_, err := e.Submit(context.Background(), testSpec("x; rm -rf /"))

		// assert
		assert.ErrorIs(t, err, service.ErrSubmission)
	})
}

func TestShellQuote(t *testing.T) {
	out, err := exec.Command("sh", "-c", "printf %s "+shellQuote(`it's "$HOME"`)).Output()
	require.NoError(t, err)
	assert.Equal(t, `it's "$HOME"`, string(out))
}

func TestSFTPFiles(t *testing.T) {
	// arrange
	serverConn, clientConn := net.Pipe()
	server, err := sftp.NewServer(serverConn)
	require.NoError(t, err)
	go server.Serve()
	defer server.Close()
	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	defer client.Close()
	name := filepath.Join(t.TempDir(), "jobs", "run-6", "job.env")

	// act
	writeErr := writeFile(client, name, []byte("export REF='main'\n"), 0o600)
	data, readErr := readFile(client, name)
	_, missingErr := readFile(client, name+".missing")

	// assert
	require.NoError(t, writeErr)
	require.NoError(t, readErr)
	assert.Equal(t, "export REF='main'\n", string(data))
	assert.ErrorIs(t, missingErr, os.ErrNotExist)
	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
