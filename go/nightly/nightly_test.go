package nightly

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near/nayduck/go/admission"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/db/memory"
)

const (
	sha1 = "1111111111111111111111111111111111111111"
	sha2 = "2222222222222222222222222222222222222222"
)

type fixture struct {
	db      *memory.InMemoryDB
	nightly *Nightly
	clock   time.Time
	files   map[string]map[string]string // sha -> path -> contents
	head    *admission.Commit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:    memory.NewInMemoryDB(),
		clock: time.Date(2021, 7, 1, 3, 0, 0, 0, time.UTC),
		files: map[string]map[string]string{},
		head:  &admission.Commit{SHA: sha1, Title: "tip of master"},
	}
	f.db.Now = func() time.Time { return f.clock }
	f.nightly = New(f.db, admission.New(f.db, nil), nil)
	f.nightly.now = f.db.Now
	f.nightly.resolve = func(ctx context.Context, ref string) (*admission.Commit, error) {
		require.Equal(t, Branch, ref)
		if f.head == nil {
			return nil, errors.New("ref not found")
		}
		return f.head, nil
	}
	f.nightly.readFile = func(ctx context.Context, sha, filePath string) ([]byte, error) {
		contents, ok := f.files[sha][filePath]
		if !ok {
			return nil, errors.Errorf("no %s at %s", filePath, sha)
		}
		return []byte(contents), nil
	}
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestTick_FirstSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{
		ManifestPath: "pytest sanity/rpc.py\npytest sanity/state_sync.py --release\n",
	}

	assert.Equal(t, runInterval, f.nightly.Tick(ctx))

	last, err := f.db.LastNightlyRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, sha1, last.SHA)
	assert.Equal(t, db.NightlyRequester, last.Requester)
	assert.Equal(t, "tip of master", last.Title)

	_, tests, err := f.db.GetRun(ctx, last.ID)
	require.NoError(t, err)
	assert.Len(t, tests, 2)
	for _, test := range tests {
		assert.True(t, test.IsNightly)
		build, err := f.db.GetBuild(ctx, test.BuildID)
		require.NoError(t, err)
		assert.True(t, build.LowPriority)
	}
}

func TestTick_TooSoonAfterLastRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{ManifestPath: "pytest sanity/rpc.py\n"}
	require.Equal(t, runInterval, f.nightly.Tick(ctx))

	// No upstream access happens while the last run is fresh.
	f.nightly.resolve = func(context.Context, string) (*admission.Commit, error) {
		t.Fatal("resolve called")
		return nil, nil
	}
	f.advance(time.Hour)
	assert.Equal(t, 23*time.Hour, f.nightly.Tick(ctx))
}

func TestTick_SameCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{ManifestPath: "pytest sanity/rpc.py\n"}
	require.Equal(t, runInterval, f.nightly.Tick(ctx))

	f.advance(25 * time.Hour)
	assert.Equal(t, retryDelay, f.nightly.Tick(ctx))

	last, err := f.db.LastNightlyRun(ctx)
	require.NoError(t, err)
	runs, err := f.db.LatestRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Equal(t, sha1, last.SHA)
}

func TestTick_NewCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{ManifestPath: "pytest sanity/rpc.py\n"}
	require.Equal(t, runInterval, f.nightly.Tick(ctx))

	f.advance(25 * time.Hour)
	f.head = &admission.Commit{SHA: sha2, Title: "newer"}
	f.files[sha2] = map[string]string{ManifestPath: "pytest sanity/rpc.py\nmocknet mocknet/sanity.py\n"}
	assert.Equal(t, runInterval, f.nightly.Tick(ctx))

	last, err := f.db.LastNightlyRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, sha2, last.SHA)
	runs, err := f.db.LatestRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestTick_Errors(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.head = nil
	assert.Equal(t, retryDelay, f.nightly.Tick(ctx))

	// Manifest missing at the commit.
	f = newFixture(t)
	assert.Equal(t, retryDelay, f.nightly.Tick(ctx))
	last, err := f.db.LastNightlyRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	// Manifest with an invalid test line schedules nothing.
	f = newFixture(t)
	f.files[sha1] = map[string]string{ManifestPath: "pytest not-a-python-file\n"}
	assert.Equal(t, retryDelay, f.nightly.Tick(ctx))
	last, err = f.db.LastNightlyRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestReadManifest_Includes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{
		"nightly/nightly.txt":  "# entry\n./sandbox.txt\npytest sanity/rpc.py\n./sub/more.txt\n",
		"nightly/sandbox.txt":  "pytest sandbox/fast.py\n",
		"nightly/sub/more.txt": "expensive nearcore test_tps test::highload\n../sandbox.txt\n",
	}

	tests, err := f.nightly.ReadManifest(ctx, sha1)
	require.NoError(t, err)
	var lines []string
	for _, line := range tests {
		if trimmed := line; trimmed != "" && trimmed[0] != '#' {
			lines = append(lines, trimmed)
		}
	}
	// sandbox.txt is included twice but read once.
	assert.Equal(t, []string{
		"pytest sandbox/fast.py",
		"pytest sanity/rpc.py",
		"expensive nearcore test_tps test::highload",
	}, lines)
}

func TestReadManifest_IncludeCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.files[sha1] = map[string]string{
		"nightly/nightly.txt": "./a.txt\n",
		"nightly/a.txt":       "pytest sanity/a.py\n./b.txt\n",
		"nightly/b.txt":       "pytest sanity/b.py\n./a.txt\n",
	}

	tests, err := f.nightly.ReadManifest(ctx, sha1)
	require.NoError(t, err)
	joined := ""
	for _, line := range tests {
		joined += line + "\n"
	}
	assert.Contains(t, joined, "sanity/a.py")
	assert.Contains(t, joined, "sanity/b.py")
}

func TestReadManifest_RejectsBadIncludes(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	f.files[sha1] = map[string]string{
		"nightly/nightly.txt": "../../etc/passwd.txt\n",
	}
	_, err := f.nightly.ReadManifest(ctx, sha1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")

	f = newFixture(t)
	f.files[sha1] = map[string]string{
		"nightly/nightly.txt": "./exploit.sh\n",
	}
	_, err = f.nightly.ReadManifest(ctx, sha1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".txt")
}
