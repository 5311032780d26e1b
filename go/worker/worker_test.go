package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/db/memory"
	"github.com/near/nayduck/go/exec"
	"github.com/near/nayduck/go/testspec"
)

const testSHA = "deadbeef00000000000000000000000000000000"

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (u *fakeUploader) Upload(ctx context.Context, name string, contents io.Reader) (string, error) {
	data, err := io.ReadAll(contents)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = map[string][]byte{}
	}
	u.objects[name] = data
	return "https://blobs.test/" + name, nil
}

func newWorker(t *testing.T, d db.DB) (*Worker, *fakeUploader) {
	t.Helper()
	uploader := &fakeUploader{}
	w := New(d, nil, uploader, t.TempDir(), "worker1", false)
	checkout := t.TempDir()
	w.checkout = func(context.Context, string) (string, error) {
		return checkout, nil
	}
	w.fetch = func(context.Context, *db.ClaimedTest, *testspec.TestSpec, string) error {
		return nil
	}
	return w, uploader
}

// shWorker makes the worker run the given shell script instead of the
// real test command.
func shWorker(t *testing.T, d db.DB, script string) (*Worker, *fakeUploader) {
	t.Helper()
	w, uploader := newWorker(t, d)
	w.buildCommand = func(*testspec.TestSpec, string) (*exec.Command, error) {
		return &exec.Command{Name: "sh", Args: []string{"-c", script}}, nil
	}
	return w, uploader
}

// claimSkipBuild inserts a run with a single skip-build test and claims
// it for worker1.
func claimSkipBuild(t *testing.T, d db.DB, timeout time.Duration) *db.ClaimedTest {
	t.Helper()
	ctx := context.Background()
	_, err := d.ScheduleRun(ctx, &db.Run{
		Branch:    "master",
		SHA:       testSHA,
		Title:     "change",
		Requester: "alice",
	}, []db.BuildGroup{{
		SkipBuild: true,
		Tests: []db.NewTest{{
			Name:      "pytest sanity/rpc.py",
			Category:  "pytest",
			Timeout:   timeout,
			SkipBuild: true,
		}},
	}})
	require.NoError(t, err)
	claimed, err := d.ClaimTest(ctx, "worker1", false)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()
	require.True(t, db.GzipFramed(data))
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestProcess_Passed(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, 3*time.Minute)
	w, _ := shWorker(t, d, "echo '42 passed, 0 failed'")

	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestPassed, test.Status)
	require.NotNil(t, test.Finished)

	var types []string
	for _, l := range d.Logs(claimed.ID) {
		types = append(types, l.Type)
		if l.Type == "stdout" {
			assert.Equal(t, "42 passed, 0 failed\n", gunzip(t, l.Data))
			assert.False(t, l.StackTrace)
		}
	}
	assert.ElementsMatch(t, []string{"stdout", "stderr"}, types)
}

func TestProcess_IgnoredOnQuietSuccess(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()

	for _, script := range []string{"true", "echo '0 passed, 0 failed'"} {
		claimed := claimSkipBuild(t, d, 3*time.Minute)
		w, _ := shWorker(t, d, script)
		w.Process(ctx, claimed)
		test, err := d.GetTest(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, db.TestIgnored, test.Status, script)
	}
}

func TestProcess_BacktraceInStderrFails(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, 3*time.Minute)
	w, _ := shWorker(t, d, "echo '1 passed'; echo 'stack backtrace:' >&2")

	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestFailed, test.Status)
	for _, l := range d.Logs(claimed.ID) {
		if l.Type == "stderr" {
			assert.True(t, l.StackTrace)
		}
	}
}

func TestProcess_NonZeroExitFails(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, 3*time.Minute)
	w, _ := shWorker(t, d, "echo boom >&2; exit 1")

	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestFailed, test.Status)
}

func TestProcess_Exit13Postpones(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, 3*time.Minute)
	w, _ := shWorker(t, d, "exit 13")

	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestPending, test.Status)
	assert.Equal(t, 1, test.Tries)
	assert.Empty(t, test.WorkerHostname)
	require.NotNil(t, test.SelectAfter)

	// Not eligible again until the cool-off elapses.
	again, err := d.ClaimTest(ctx, "worker1", false)
	require.NoError(t, err)
	assert.Nil(t, again)
	d.Now = func() time.Time { return time.Now().Add(postponeDelay + time.Second) }
	again, err = d.ClaimTest(ctx, "worker1", false)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, claimed.ID, again.ID)
}

func TestProcess_Timeout(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, time.Second)
	w, _ := shWorker(t, d, "sleep 60")

	start := time.Now()
	w.Process(ctx, claimed)
	assert.Less(t, time.Since(start), 30*time.Second)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestTimeout, test.Status)
}

func TestProcess_FetchFailure(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()

	// A regular test needs its build done before it can be claimed.
	_, err := d.ScheduleRun(ctx, &db.Run{
		Branch:    "master",
		SHA:       testSHA,
		Title:     "change",
		Requester: "alice",
	}, []db.BuildGroup{{
		Tests: []db.NewTest{{
			Name:     "pytest sanity/rpc.py",
			Category: "pytest",
			Timeout:  3 * time.Minute,
		}},
	}})
	require.NoError(t, err)
	claimedBuild, err := d.ClaimBuild(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, claimedBuild)
	require.NoError(t, d.BuildFinished(ctx, claimedBuild.ID, true, nil, nil))

	claimed, err := d.ClaimTest(ctx, "worker1", false)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	w, _ := newWorker(t, d)
	w.fetch = func(context.Context, *db.ClaimedTest, *testspec.TestSpec, string) error {
		return errors.New("scp exited with 1")
	}
	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestFailed, test.Status)
	logs := d.Logs(claimed.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "fetcher", logs[0].Type)
	assert.Contains(t, string(logs[0].Data), "scp exited with 1")
}

func TestProcess_LargeLogUploaded(t *testing.T) {
	ctx := context.Background()
	d := memory.NewInMemoryDB()
	claimed := claimSkipBuild(t, d, 3*time.Minute)
	w, uploader := shWorker(t, d, "yes aaaaaaaa | head -c 20000; echo; echo '1 passed'")

	w.Process(ctx, claimed)

	test, err := d.GetTest(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TestPassed, test.Status)

	var stdout *db.Log
	logs := d.Logs(claimed.ID)
	for i := range logs {
		if logs[i].Type == "stdout" {
			stdout = &logs[i]
		}
	}
	require.NotNil(t, stdout)
	assert.Greater(t, stdout.Size, int64(inlineLogLimit))
	assert.Empty(t, stdout.Data)
	assert.Contains(t, stdout.Storage, "https://blobs.test/logs/")

	name := strings.TrimPrefix(stdout.Storage, "https://blobs.test/")
	stored, ok := uploader.objects[name]
	require.True(t, ok)
	assert.Contains(t, gunzip(t, stored), "1 passed")
}

func TestCommand_Assembly(t *testing.T) {
	w, _ := newWorker(t, memory.NewInMemoryDB())

	_, spec, err := testspec.Parse("pytest sanity/rpc.py 4 10")
	require.NoError(t, err)
	cmd, err := w.command(spec, "/checkout")
	require.NoError(t, err)
	assert.Equal(t, "python3", cmd.Name)
	assert.Equal(t, []string{filepath.Join("tests", "sanity/rpc.py"), "4", "10"}, cmd.Args)
	assert.Equal(t, filepath.Join("/checkout", "pytest"), cmd.Dir)
	assert.Contains(t, cmd.Env, "RUST_BACKTRACE=1")

	_, spec, err = testspec.Parse("expensive nearcore test_tps test::highload")
	require.NoError(t, err)
	cmd, err = w.command(spec, "/checkout")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.expensiveDir(), "test_tps"), cmd.Name)
	assert.Equal(t, []string{"test::highload", "--exact", "--nocapture"}, cmd.Args)
}

func TestClassify(t *testing.T) {
	status, postpone := classify(&exec.Result{TimedOut: true, ExitCode: -1}, nil, nil)
	assert.Equal(t, db.TestTimeout, status)
	assert.False(t, postpone)

	_, postpone = classify(&exec.Result{ExitCode: 13}, nil, nil)
	assert.True(t, postpone)

	status, _ = classify(&exec.Result{ExitCode: 2}, []byte("1 passed"), nil)
	assert.Equal(t, db.TestFailed, status)

	status, _ = classify(&exec.Result{}, []byte("1 passed"), []byte("warning: stack backtrace:\n"))
	assert.Equal(t, db.TestFailed, status)

	status, _ = classify(&exec.Result{}, []byte("  \n"), nil)
	assert.Equal(t, db.TestIgnored, status)

	status, _ = classify(&exec.Result{}, []byte("3 passed, 0 failed"), []byte("noise"))
	assert.Equal(t, db.TestPassed, status)
}

func TestScanFile_PatternAcrossChunks(t *testing.T) {
	p := filepath.Join(t.TempDir(), "log")
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte("x"), (64<<10)-5))
	buf.WriteString(backtracePattern)
	buf.Write(bytes.Repeat([]byte("y"), 100))
	require.NoError(t, os.WriteFile(p, buf.Bytes(), 0o644))

	found, err := scanFile(p, backtracePattern)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte("z"), 200<<10), 0o644))
	found, err = scanFile(p, backtracePattern)
	require.NoError(t, err)
	assert.False(t, found)
}
