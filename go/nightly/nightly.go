// Package nightly runs the singleton scheduler which submits the
// repository's nightly test list against the tip of the main branch once
// every 24 hours. Exactly one instance must run per deployment; nothing
// in the store enforces that.
package nightly

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/admission"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/repo"
)

const (
	// Branch watched for new commits.
	Branch = "master"
	// ManifestPath is the entry point of the nightly test list inside
	// the repository.
	ManifestPath = "nightly/nightly.txt"

	runInterval = 24 * time.Hour
	retryDelay  = time.Hour
	// firstTickDelay gives daemons a moment to settle after startup
	// before the first check.
	firstTickDelay = 10 * time.Second
	// minTickDelay bounds how often ticks may fire regardless of what a
	// tick returns.
	minTickDelay = 3 * time.Minute
)

// Nightly is the scheduler.
type Nightly struct {
	db        db.DB
	admission *admission.Admission

	// resolve, readFile and now are overridable in tests.
	resolve  func(ctx context.Context, ref string) (*admission.Commit, error)
	readFile func(ctx context.Context, sha, filePath string) ([]byte, error)
	now      func() time.Time
}

// New returns a Nightly resolving commits and manifests through the
// given mirror.
func New(d db.DB, adm *admission.Admission, mirror *repo.Mirror) *Nightly {
	return &Nightly{
		db:        d,
		admission: adm,
		resolve:   mirror.ForCommit,
		readFile:  mirror.ReadFile,
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled. Each tick decides the delay
// until the next one, clamped to at least minTickDelay.
func (n *Nightly) Run(ctx context.Context) error {
	delay := firstTickDelay
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = n.Tick(ctx)
		if delay < minTickDelay {
			delay = minTickDelay
		}
		glog.Infof("Next nightly check in %s", delay)
	}
}

// Tick performs one check and returns the suggested delay until the
// next one: the time left until the last nightly run turns 24h old, an
// hour on errors or when the branch has not moved, a full day right
// after a submission.
func (n *Nightly) Tick(ctx context.Context) time.Duration {
	last, err := n.db.LastNightlyRun(ctx)
	if err != nil {
		glog.Errorf("Reading last nightly run: %s", err)
		return retryDelay
	}
	if last != nil {
		if age := n.now().Sub(last.Timestamp); age < runInterval {
			return runInterval - age
		}
	}

	commit, err := n.resolve(ctx, Branch)
	if err != nil {
		glog.Errorf("Resolving %s: %s", Branch, err)
		return retryDelay
	}
	if last != nil && commit.SHA == last.SHA {
		glog.Infof("Branch %s still at %s, nothing to do", Branch, commit.SHA)
		return retryDelay
	}

	tests, err := n.ReadManifest(ctx, commit.SHA)
	if err != nil {
		glog.Errorf("Reading nightly manifest at %s: %s", commit.SHA, err)
		return retryDelay
	}
	runID, err := n.admission.NewRun(ctx, &admission.Request{
		Branch: Branch,
		SHA:    commit.SHA,
		Tests:  tests,
	}, db.NightlyRequester, commit)
	if err != nil {
		glog.Errorf("Scheduling nightly run at %s: %s", commit.SHA, err)
		return retryDelay
	}
	glog.Infof("Scheduled nightly run %d at %s", runID, commit.SHA)
	return runInterval
}

// ReadManifest reads the nightly test list at the given commit,
// resolving includes recursively. Lines starting with "./" or "../"
// include another manifest relative to the current one; each file is
// read at most once so include cycles terminate.
func (n *Nightly) ReadManifest(ctx context.Context, sha string) ([]string, error) {
	seen := map[string]bool{}
	return n.readManifest(ctx, sha, path.Clean(ManifestPath), seen)
}

func (n *Nightly) readManifest(ctx context.Context, sha, filePath string, seen map[string]bool) ([]string, error) {
	if err := checkManifestPath(filePath); err != nil {
		return nil, err
	}
	if seen[filePath] {
		return nil, nil
	}
	seen[filePath] = true

	data, err := n.readFile(ctx, sha, filePath)
	if err != nil {
		return nil, err
	}
	var tests []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "./") || strings.HasPrefix(trimmed, "../") {
			included := path.Join(path.Dir(filePath), trimmed)
			sub, err := n.readManifest(ctx, sha, included, seen)
			if err != nil {
				return nil, errors.Wrapf(err, "included from %s", filePath)
			}
			tests = append(tests, sub...)
			continue
		}
		tests = append(tests, line)
	}
	return tests, nil
}

// checkManifestPath refuses includes reaching outside the manifest root
// or pointing at anything but manifest files.
func checkManifestPath(filePath string) error {
	root := path.Dir(path.Clean(ManifestPath))
	if filePath != path.Clean(filePath) || !strings.HasPrefix(filePath, root+"/") {
		return errors.Errorf("manifest path %q escapes %s/", filePath, root)
	}
	if !strings.HasSuffix(filePath, ".txt") {
		return errors.Errorf("manifest path %q is not a .txt file", filePath)
	}
	return nil
}
