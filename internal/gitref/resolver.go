// Package gitref resolves references of remote git repositories.
package gitref

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/haatos/patchtest/internal/service"
)

var commitID = regexp.MustCompile(`^[0-9a-f]{40}$`)

var errOptionArg = errors.New("repository and ref must not start with '-'")

// Resolver runs git ls-remote.
type Resolver struct {
	git string
}

// NewResolver returns a resolver running the git binary at path, or "git"
// from PATH when path is empty.
func NewResolver(path string) *Resolver {
	if path == "" {
		path = "git"
	}
	return &Resolver{git: path}
}

func (r *Resolver) ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	if commitID.MatchString(ref) {
		return ref, nil
	}
	if strings.HasPrefix(repoURL, "-") || strings.HasPrefix(ref, "-") {
		return "", &service.UnresolvedRefError{RepoURL: repoURL, Ref: ref, Err: errOptionArg}
	}
	cmd := exec.CommandContext(ctx, r.git, "ls-remote", "--", repoURL, ref)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return "", &service.UnresolvedRefError{RepoURL: repoURL, Ref: ref, Err: err}
	}
	commit, ok := parseLsRemote(out, ref)
	if !ok {
		return "", &service.UnresolvedRefError{RepoURL: repoURL, Ref: ref}
	}
	return commit, nil
}

// parseLsRemote picks the commit ref points to. The branch of that name
// wins over other matches, and a peeled tag entry ("<tag>^{}") names the
// commit of an annotated tag.
func parseLsRemote(out []byte, ref string) (string, bool) {
	var branch, peeled, first string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		sha, name, ok := strings.Cut(scanner.Text(), "\t")
		if !ok || !commitID.MatchString(sha) {
			continue
		}
		switch {
		case name == ref || name == "refs/heads/"+ref:
			branch = sha
		case strings.HasSuffix(name, "^{}"):
			peeled = sha
		case first == "":
			first = sha
		}
	}
	for _, sha := range []string{branch, peeled, first} {
		if sha != "" {
			return sha, true
		}
	}
	return "", false
}
