// Package admission turns a run request into one run row, N deduplicated
// build rows and M test rows, inserted in a single transaction.
package admission

import (
	"context"

	"github.com/pkg/errors"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/testspec"
)

// MaxTestsPerRun bounds the expanded test count of one request.
const MaxTestsPerRun = 1024

// Request is a run request as received from the HTTP façade or the
// nightly scheduler.
type Request struct {
	Branch string   `json:"branch"`
	SHA    string   `json:"sha"`
	Tests  []string `json:"tests"`
}

// Commit is a resolved commit: canonical sha plus a display title already
// shortened for storage.
type Commit struct {
	SHA   string
	Title string
}

// CommitResolver resolves a user-supplied ref against the upstream
// repository.
type CommitResolver interface {
	ForCommit(ctx context.Context, ref string) (*Commit, error)
}

// Admission validates run requests and schedules them on the store.
type Admission struct {
	db       db.DB
	resolver CommitResolver
}

// New returns an Admission writing to the given store.
func New(d db.DB, resolver CommitResolver) *Admission {
	return &Admission{db: d, resolver: resolver}
}

// NewRun admits one request for the given requester. commit may carry a
// pre-resolved commit (the nightly scheduler does this); when nil the
// request's sha is resolved through the upstream repository. Returns the
// new run ID. On any validation failure nothing is inserted and the error
// is a single human-readable sentence.
func (a *Admission) NewRun(ctx context.Context, req *Request, requester string, commit *Commit) (int64, error) {
	if req.Branch == "" {
		return 0, errors.New("branch must not be empty")
	}
	if req.SHA == "" && commit == nil {
		return 0, errors.New("sha must not be empty")
	}
	if requester == "" {
		return 0, errors.New("requester must not be empty")
	}
	groups, err := GroupTests(req.Tests)
	if err != nil {
		return 0, err
	}
	if commit == nil {
		commit, err = a.resolver.ForCommit(ctx, req.SHA)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to resolve commit %q", req.SHA)
		}
	}
	runID, err := a.db.ScheduleRun(ctx, &db.Run{
		Branch:    req.Branch,
		SHA:       commit.SHA,
		Title:     commit.Title,
		Requester: requester,
	}, groups)
	if err != nil {
		return 0, errors.Wrap(err, "scheduling run")
	}
	return runID, nil
}

type groupKey struct {
	isRelease bool
	features  string
}

// GroupTests parses and expands the submitted test lines and groups them
// into deduplicated builds keyed by (is_release, features). Group order
// follows first appearance; a group skips its build only when every test
// in it does.
func GroupTests(lines []string) ([]db.BuildGroup, error) {
	var total int
	var order []groupKey
	grouped := map[groupKey]*db.BuildGroup{}
	for _, line := range lines {
		count, spec, err := testspec.Parse(line)
		if err != nil {
			return nil, err
		}
		if spec == nil {
			// Comment or blank line.
			continue
		}
		total += count
		if total > MaxTestsPerRun {
			return nil, errors.Errorf("a run cannot have more than %d tests", MaxTestsPerRun)
		}
		key := groupKey{isRelease: spec.IsRelease, features: spec.FeaturesString()}
		group, ok := grouped[key]
		if !ok {
			group = &db.BuildGroup{
				IsRelease: spec.IsRelease,
				Features:  spec.FeaturesString(),
				SkipBuild: true,
			}
			grouped[key] = group
			order = append(order, key)
		}
		// The build can be skipped only if no test in the group needs
		// an artifact.
		group.SkipBuild = group.SkipBuild && spec.SkipBuild
		test := db.NewTest{
			Name:      spec.ShortName(),
			Category:  spec.Category,
			Timeout:   spec.Timeout,
			SkipBuild: spec.SkipBuild,
		}
		for i := 0; i < count; i++ {
			group.Tests = append(group.Tests, test)
		}
	}
	if total == 0 {
		return nil, errors.New("no tests specified")
	}
	groups := make([]db.BuildGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, *grouped[key])
	}
	return groups, nil
}
