// Package repo wraps the local git state: a bare mirror of the upstream
// repository at a stable path, working-copy checkouts made from it, and
// the commit resolver used by admission and the nightly scheduler.
package repo

import (
	"bytes"
	"context"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/admission"
	"github.com/near/nayduck/go/exec"
)

const (
	gitTimeout = 2 * time.Minute
	// MaxTitleLength bounds the run title stored for a commit.
	MaxTitleLength = 150
)

var prSuffixRe = regexp.MustCompile(`\s*(\(#\d+\))$`)

// Mirror is a bare clone of the upstream repository kept at
// <workdir>/<repo-name>.git.
type Mirror struct {
	url string
	dir string
}

// NewMirror returns a Mirror for the given upstream URL rooted in
// workdir. Nothing is cloned until Update is called.
func NewMirror(url, workdir string) *Mirror {
	name := strings.TrimSuffix(path.Base(url), ".git")
	return &Mirror{url: url, dir: path.Join(workdir, name+".git")}
}

// Dir returns the mirror's path.
func (m *Mirror) Dir() string {
	return m.dir
}

func (m *Mirror) git(ctx context.Context, out *bytes.Buffer, args ...string) error {
	var stderr bytes.Buffer
	cmd := &exec.Command{
		Name:    "git",
		Args:    args,
		Dir:     m.dir,
		Stderr:  &stderr,
		Timeout: gitTimeout,
	}
	if out != nil {
		cmd.Stdout = out
	}
	res, err := exec.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (m *Mirror) clone(ctx context.Context) error {
	if err := os.MkdirAll(path.Dir(m.dir), 0o755); err != nil {
		return errors.Wrap(err, "creating mirror parent directory")
	}
	var stderr bytes.Buffer
	res, err := exec.Run(ctx, &exec.Command{
		Name:    "git",
		Args:    []string{"clone", "--mirror", m.url, m.dir},
		Stderr:  &stderr,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("cloning %s: %s", m.url, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Update makes sure the mirror exists and is current. Fetches are retried
// with exponential backoff; if they keep failing the mirror is wiped and
// cloned from scratch.
func (m *Mirror) Update(ctx context.Context) error {
	if _, err := os.Stat(m.dir); os.IsNotExist(err) {
		return m.clone(ctx)
	} else if err != nil {
		return errors.Wrap(err, "checking mirror directory")
	}
	fetch := func() error {
		return m.git(ctx, nil, "fetch", "--force", "--prune", "origin")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(fetch, policy)
	if err == nil {
		return nil
	}
	glog.Warningf("Updating mirror %s failed, recreating it: %s", m.dir, err)
	if err := os.RemoveAll(m.dir); err != nil {
		return errors.Wrap(err, "removing broken mirror")
	}
	return m.clone(ctx)
}

// ForCommit resolves a ref to its canonical sha and shortened title. The
// mirror is updated first so freshly pushed commits resolve. Implements
// admission.CommitResolver.
func (m *Mirror) ForCommit(ctx context.Context, ref string) (*admission.Commit, error) {
	if err := m.Update(ctx); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := m.git(ctx, &out, "log", "--format=%H%n%s", ref+"^!"); err != nil {
		return nil, err
	}
	lines := strings.SplitN(strings.TrimRight(out.String(), "\n"), "\n", 2)
	if len(lines) != 2 || len(lines[0]) != 40 {
		return nil, errors.Errorf("unexpected git log output for %q: %q", ref, out.String())
	}
	return &admission.Commit{
		SHA:   lines[0],
		Title: ShortenTitle(lines[1]),
	}, nil
}

// ReadFile returns the contents of a file at the given revision, without
// touching any working copy.
func (m *Mirror) ReadFile(ctx context.Context, sha, filePath string) ([]byte, error) {
	var out bytes.Buffer
	if err := m.git(ctx, &out, "show", sha+":"+filePath); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ShortenTitle truncates a commit title to MaxTitleLength characters,
// preserving a trailing pull-request marker like "(#1234)" and marking
// the cut with an ellipsis.
func ShortenTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= MaxTitleLength {
		return title
	}
	suffix := ""
	if match := prSuffixRe.FindStringSubmatch(title); match != nil {
		suffix = " " + match[1]
		runes = []rune(strings.TrimSpace(strings.TrimSuffix(title, match[0])))
	}
	keep := MaxTitleLength - len([]rune(suffix)) - 1
	if keep < 0 {
		// The marker alone blows the limit; truncate the whole title.
		runes = []rune(title)
		keep = MaxTitleLength - 1
		suffix = ""
	}
	if keep > len(runes) {
		keep = len(runes)
	}
	return string(runes[:keep]) + "…" + suffix
}

// Checkout is a working copy cloned from a Mirror.
type Checkout struct {
	mirror *Mirror
	dir    string
}

// CheckoutInto returns a Checkout of the mirror in the given directory,
// cloning it if the directory does not exist yet.
func (m *Mirror) CheckoutInto(ctx context.Context, dir string) (*Checkout, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		var stderr bytes.Buffer
		res, err := exec.Run(ctx, &exec.Command{
			Name:    "git",
			Args:    []string{"clone", m.dir, dir},
			Stderr:  &stderr,
			Timeout: 10 * time.Minute,
		})
		if err != nil {
			return nil, err
		}
		if !res.Success() {
			return nil, errors.Errorf("cloning checkout: %s", strings.TrimSpace(stderr.String()))
		}
	} else if err != nil {
		return nil, errors.Wrap(err, "checking checkout directory")
	}
	return &Checkout{mirror: m, dir: dir}, nil
}

// Dir returns the working copy path.
func (c *Checkout) Dir() string {
	return c.dir
}

func (c *Checkout) git(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	res, err := exec.Run(ctx, &exec.Command{
		Name:    "git",
		Args:    args,
		Dir:     c.dir,
		Stderr:  &stderr,
		Timeout: gitTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

// CheckoutCommit fetches from the mirror and force-checks-out the given
// commit, detached.
func (c *Checkout) CheckoutCommit(ctx context.Context, sha string) error {
	if err := c.git(ctx, "fetch", "--force", "origin"); err != nil {
		return err
	}
	return c.git(ctx, "checkout", "--force", "--detach", sha)
}
