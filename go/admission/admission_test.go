package admission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/db/memory"
)

const sha = "deadbeef00000000000000000000000000000000"

type fakeResolver struct {
	commit *Commit
	err    error
	ref    string
}

func (r *fakeResolver) ForCommit(ctx context.Context, ref string) (*Commit, error) {
	r.ref = ref
	return r.commit, r.err
}

func TestNewRun_HappyPath(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	resolver := &fakeResolver{commit: &Commit{SHA: sha, Title: "fix the thing"}}
	a := New(d, resolver)

	runID, err := a.NewRun(ctx, &Request{
		Branch: "master",
		SHA:    "deadbeef",
		Tests:  []string{"pytest sanity/rpc.py"},
	}, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", resolver.ref)

	run, tests, err := d.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, sha, run.SHA)
	assert.Equal(t, "fix the thing", run.Title)
	assert.Equal(t, "alice", run.Requester)
	require.Len(t, tests, 1)
	assert.Equal(t, "pytest sanity/rpc.py", tests[0].Name)
	assert.Equal(t, db.TestPending, tests[0].Status)
	assert.Equal(t, 3*time.Minute, tests[0].Timeout)
	assert.False(t, tests[0].SkipBuild)

	build, err := d.GetBuild(ctx, tests[0].BuildID)
	require.NoError(t, err)
	assert.Equal(t, db.BuildPending, build.Status)
	assert.False(t, build.IsRelease)
	assert.Empty(t, build.Features)
	assert.False(t, build.LowPriority)
}

func TestNewRun_PreResolvedCommitSkipsResolver(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	resolver := &fakeResolver{err: errors.New("must not be called")}
	a := New(d, resolver)

	runID, err := a.NewRun(ctx, &Request{
		Branch: "master",
		Tests:  []string{"pytest sanity/rpc.py"},
	}, db.NightlyRequester, &Commit{SHA: sha, Title: "nightly"})
	require.NoError(t, err)
	run, _, err := d.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.True(t, run.IsNightly())
}

func TestNewRun_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	a := New(memory.NewInMemoryDB(), &fakeResolver{commit: &Commit{SHA: sha}})
	for name, req := range map[string]*Request{
		"empty branch":  {SHA: "abc", Tests: []string{"pytest x.py"}},
		"empty sha":     {Branch: "master", Tests: []string{"pytest x.py"}},
		"no tests":      {Branch: "master", SHA: "abc"},
		"only comments": {Branch: "master", SHA: "abc", Tests: []string{"# hi", "  ", ""}},
		"bad spec":      {Branch: "master", SHA: "abc", Tests: []string{"pytest not-python"}},
	} {
		_, err := a.NewRun(ctx, req, "alice", nil)
		assert.Error(t, err, name)
	}
	_, err := a.NewRun(ctx, &Request{Branch: "master", SHA: "abc", Tests: []string{"pytest x.py"}}, "", nil)
	assert.Error(t, err, "empty requester")
}

func TestNewRun_UnresolvableCommit(t *testing.T) {
	ctx := context.Background()
	a := New(memory.NewInMemoryDB(), &fakeResolver{err: errors.New("unknown revision")})
	_, err := a.NewRun(ctx, &Request{
		Branch: "master", SHA: "nope", Tests: []string{"pytest x.py"},
	}, "alice", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestGroupTests_Dedup(t *testing.T) {
	groups, err := GroupTests([]string{
		"pytest a.py --features=foo",
		"pytest b.py --features foo",
		"expensive x y z --release",
	})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.False(t, groups[0].IsRelease)
	assert.Equal(t, "foo", groups[0].Features)
	assert.Len(t, groups[0].Tests, 2)
	assert.True(t, groups[1].IsRelease)
	assert.Empty(t, groups[1].Features)
	assert.Len(t, groups[1].Tests, 1)
}

func TestGroupTests_CountExpansion(t *testing.T) {
	groups, err := GroupTests([]string{"3 pytest a.py"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Tests, 3)
}

func TestGroupTests_SkipBuildIsANDedAcrossGroup(t *testing.T) {
	groups, err := GroupTests([]string{
		"pytest a.py --skip-build",
		"pytest b.py",
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	// One test still needs the build.
	assert.False(t, groups[0].SkipBuild)
	assert.True(t, groups[0].Tests[0].SkipBuild)
	assert.False(t, groups[0].Tests[1].SkipBuild)

	groups, err = GroupTests([]string{"mocknet a.py", "pytest b.py --skip-build"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.True(t, groups[0].SkipBuild)
}

func TestGroupTests_Limit(t *testing.T) {
	var lines []string
	for i := 0; i < MaxTestsPerRun; i++ {
		lines = append(lines, "pytest a.py")
	}
	_, err := GroupTests(lines)
	require.NoError(t, err)

	_, err = GroupTests(append(lines, "pytest a.py"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(MaxTestsPerRun))

	_, err = GroupTests([]string{fmt.Sprintf("%d pytest a.py", MaxTestsPerRun+1)})
	require.Error(t, err)
}

func TestScheduledBuildStartsDoneWhenGroupSkips(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	a := New(d, &fakeResolver{commit: &Commit{SHA: sha, Title: "t"}})
	runID, err := a.NewRun(ctx, &Request{
		Branch: "master", SHA: "abc", Tests: []string{"mocknet mocknet/sanity.py"},
	}, "alice", nil)
	require.NoError(t, err)
	_, tests, err := d.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, tests, 1)
	build, err := d.GetBuild(ctx, tests[0].BuildID)
	require.NoError(t, err)
	assert.Equal(t, db.BuildDone, build.Status)
	assert.Equal(t, uint32(0), build.BuilderIP)
}
