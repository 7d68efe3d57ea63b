package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote runs commands and moves files on a build agent.
type Remote interface {
	// Run returns the exit status and combined output of cmd. err is only
	// set when the command could not be run at all.
	Run(ctx context.Context, cmd string) (int, []byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Close() error
}

type SSHConfig struct {
	Host       string
	Username   string
	PrivateKey []byte
	// KnownHostsPath enables host key checking when set.
	KnownHostsPath string
	Timeout        time.Duration
}

// SSHRemote keeps one SSH connection to the agent. A transport failure of a
// command or file transfer drops the connection and the next call redials.
type SSHRemote struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

func NewSSHRemote(cfg SSHConfig) *SSHRemote {
	if _, _, err := net.SplitHostPort(cfg.Host); err != nil {
		cfg.Host = net.JoinHostPort(cfg.Host, "22")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSHRemote{cfg: cfg}
}

func (r *SSHRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *SSHRemote) closeLocked() error {
	var errs []error
	if r.sftp != nil {
		errs = append(errs, r.sftp.Close())
		r.sftp = nil
	}
	if r.client != nil {
		errs = append(errs, r.client.Close())
		r.client = nil
	}
	return errors.Join(errs...)
}

func (r *SSHRemote) Run(ctx context.Context, cmd string) (int, []byte, error) {
	client, err := r.connect()
	if err != nil {
		return 0, nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return 0, nil, fmt.Errorf("err creating new session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		// out is still written to until the session is closed.
		session.Signal(ssh.SIGKILL)
		return 0, nil, ctx.Err()
	}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return 0, out.Bytes(), nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), out.Bytes(), nil
	default:
		r.drop(client)
		return 0, out.Bytes(), err
	}
}

func (r *SSHRemote) WriteFile(name string, data []byte, perm os.FileMode) error {
	c, err := r.sftpClient()
	if err != nil {
		return err
	}
	err = writeFile(c, name, data, perm)
	r.dropSFTP(c, err)
	return err
}

func (r *SSHRemote) ReadFile(name string) ([]byte, error) {
	c, err := r.sftpClient()
	if err != nil {
		return nil, err
	}
	data, err := readFile(c, name)
	r.dropSFTP(c, err)
	return data, err
}

// drop closes the connection if client is still the current one, so the
// next call redials.
func (r *SSHRemote) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		r.closeLocked()
	}
}

// dropSFTP drops the connection c belongs to unless err is reported by the
// sftp server about the file itself.
func (r *SSHRemote) dropSFTP(c *sftp.Client, err error) {
	if err == nil || isFileError(err) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sftp == c {
		r.closeLocked()
	}
}

func isFileError(err error) bool {
	var status *sftp.StatusError
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrExist) ||
		errors.As(err, &status)
}

func (r *SSHRemote) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auth, err := getAuth(r.cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	config, err := r.getConfig(auth)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", r.cfg.Host, config)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

func (r *SSHRemote) sftpClient() (*sftp.Client, error) {
	client, err := r.connect()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sftp != nil {
		return r.sftp, nil
	}
	c, err := sftp.NewClient(client)
	if err != nil {
		if r.client == client {
			r.closeLocked()
		}
		return nil, fmt.Errorf("err starting sftp: %w", err)
	}
	r.sftp = c
	return c, nil
}

func getAuth(privateKey []byte) (ssh.AuthMethod, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("err parsing ssh private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func (r *SSHRemote) getConfig(auth ssh.AuthMethod) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, err
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            r.cfg.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.Timeout,
	}, nil
}

func writeFile(c *sftp.Client, name string, data []byte, perm os.FileMode) error {
	if err := c.MkdirAll(path.Dir(name)); err != nil {
		return err
	}
	f, err := c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readFile(c *sftp.Client, name string) ([]byte, error) {
	f, err := c.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
