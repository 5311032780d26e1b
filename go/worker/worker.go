// Package worker implements the test daemon. It claims pending tests
// whose build is ready, fetches the artifacts from the owning builder,
// executes the test under a wall-clock watchdog, classifies the outcome,
// collects logs and writes the terminal status.
package worker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/blobstore"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/exec"
	"github.com/near/nayduck/go/repo"
	"github.com/near/nayduck/go/testspec"
)

const (
	// claimIdleDelay is how long to sleep when no test is eligible.
	claimIdleDelay = 5 * time.Second
	// postponeDelay is the cool-off after a test asks to be re-queued.
	postponeDelay = 3 * time.Minute
	// exitPostpone is the exit code by which a test asks to be re-queued
	// (e.g. a mocknet test finding its shared instances busy).
	exitPostpone = 13
)

// Worker is the test daemon.
type Worker struct {
	db       db.DB
	mirror   *repo.Mirror
	uploader blobstore.Uploader
	workdir  string
	hostname string
	// mocknet marks this host as mocknet-capable; mocknet tests are then
	// preferred in the claim query.
	mocknet bool

	// fetch, checkout and buildCommand are overridable in tests.
	fetch        func(ctx context.Context, claimed *db.ClaimedTest, spec *testspec.TestSpec, checkout string) error
	checkout     func(ctx context.Context, sha string) (string, error)
	buildCommand func(spec *testspec.TestSpec, checkout string) (*exec.Command, error)
}

// New returns a Worker identified by hostname, working out of workdir.
func New(d db.DB, mirror *repo.Mirror, uploader blobstore.Uploader, workdir, hostname string, mocknet bool) *Worker {
	w := &Worker{
		db:       d,
		mirror:   mirror,
		uploader: uploader,
		workdir:  workdir,
		hostname: hostname,
		mocknet:  mocknet,
	}
	w.fetch = w.scpFetch
	w.checkout = w.gitCheckout
	w.buildCommand = w.command
	return w
}

func (w *Worker) checkoutDir() string {
	return filepath.Join(w.workdir, "nearcore")
}

func (w *Worker) outDir() string {
	return filepath.Join(w.workdir, "output")
}

func (w *Worker) expensiveDir() string {
	return filepath.Join(w.workdir, "expensive")
}

// Run is the daemon main loop. It recovers tests owned by a previous
// incarnation on this host, then claims and processes tests until the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.db.ResetTests(ctx, w.hostname); err != nil {
		return errors.Wrap(err, "recovering tests from previous run")
	}
	for ctx.Err() == nil {
		claimed, err := w.db.ClaimTest(ctx, w.hostname, w.mocknet)
		if err != nil {
			glog.Errorf("Claiming test: %s", err)
			sleep(ctx, claimIdleDelay)
			continue
		}
		if claimed == nil {
			sleep(ctx, claimIdleDelay)
			continue
		}
		w.Process(ctx, claimed)
	}
	return ctx.Err()
}

// Process runs one claimed test through fetch, execution, classification
// and log collection. Every path ends in a status write or a postpone.
func (w *Worker) Process(ctx context.Context, claimed *db.ClaimedTest) {
	glog.Infof("Running test %d: %s (try %d)", claimed.ID, claimed.Name, claimed.Tries)
	spec, err := w.parseClaim(claimed)
	if err != nil {
		// The name was produced by the admission parser, so this only
		// happens when the store was edited by hand.
		w.fail(ctx, claimed.ID, "scheduler", err)
		return
	}

	checkout, err := w.checkout(ctx, claimed.SHA)
	if err != nil {
		w.fail(ctx, claimed.ID, "checkout", err)
		return
	}
	if !spec.SkipBuild {
		if err := w.fetch(ctx, claimed, spec, checkout); err != nil {
			w.fail(ctx, claimed.ID, "fetcher", err)
			return
		}
	}

	outdir := w.outDir()
	if err := os.RemoveAll(outdir); err != nil {
		w.fail(ctx, claimed.ID, "scheduler", errors.Wrap(err, "preparing output directory"))
		return
	}
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		w.fail(ctx, claimed.ID, "scheduler", errors.Wrap(err, "preparing output directory"))
		return
	}

	status, postpone, err := w.execute(ctx, spec, checkout, outdir)
	if err != nil {
		w.fail(ctx, claimed.ID, "scheduler", err)
		return
	}
	if postpone {
		glog.Infof("Test %d asked to be re-queued", claimed.ID)
		if err := w.db.PostponeTest(ctx, claimed.ID, postponeDelay); err != nil {
			glog.Errorf("Postponing test %d: %s", claimed.ID, err)
		}
		return
	}

	logs, err := w.collectLogs(ctx, claimed.ID, outdir)
	if err != nil {
		glog.Errorf("Collecting logs for test %d: %s", claimed.ID, err)
	}
	if err := w.db.FinishTest(ctx, claimed.ID, status, logs); err != nil {
		glog.Errorf("Reporting test %d: %s", claimed.ID, err)
		return
	}
	glog.Infof("Test %d finished: %s", claimed.ID, status)
}

// parseClaim re-derives the test spec from the stored short name. The name
// does not carry --timeout or --skip-build, so those come from the row.
func (w *Worker) parseClaim(claimed *db.ClaimedTest) (*testspec.TestSpec, error) {
	_, spec, err := testspec.Parse(claimed.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing test name %q", claimed.Name)
	}
	if spec == nil {
		return nil, errors.Errorf("test name %q parses to nothing", claimed.Name)
	}
	spec.Timeout = claimed.Timeout
	spec.SkipBuild = claimed.SkipBuild
	return spec, nil
}

func (w *Worker) gitCheckout(ctx context.Context, sha string) (string, error) {
	if err := w.mirror.Update(ctx); err != nil {
		return "", errors.Wrap(err, "updating mirror")
	}
	co, err := w.mirror.CheckoutInto(ctx, w.checkoutDir())
	if err != nil {
		return "", errors.Wrap(err, "creating checkout")
	}
	if err := co.CheckoutCommit(ctx, sha); err != nil {
		return "", errors.Wrapf(err, "checking out %s", sha)
	}
	return co.Dir(), nil
}

// execute runs the test command with output captured into files under
// outdir and classifies the result.
func (w *Worker) execute(ctx context.Context, spec *testspec.TestSpec, checkout, outdir string) (string, bool, error) {
	command, err := w.buildCommand(spec, checkout)
	if err != nil {
		return "", false, err
	}
	stdoutPath := filepath.Join(outdir, "stdout")
	stderrPath := filepath.Join(outdir, "stderr")
	stdout, err := os.Create(stdoutPath)
	if err != nil {
		return "", false, errors.Wrap(err, "creating stdout file")
	}
	defer stdout.Close()
	stderr, err := os.Create(stderrPath)
	if err != nil {
		return "", false, errors.Wrap(err, "creating stderr file")
	}
	defer stderr.Close()
	command.Stdout = stdout
	command.Stderr = stderr
	command.Timeout = spec.FullTimeout()

	res, err := exec.Run(ctx, command)
	if err != nil {
		return "", false, err
	}
	if err := stdout.Sync(); err != nil {
		return "", false, errors.Wrap(err, "flushing stdout file")
	}
	if err := stderr.Sync(); err != nil {
		return "", false, errors.Wrap(err, "flushing stderr file")
	}
	outBytes, err := os.ReadFile(stdoutPath)
	if err != nil {
		return "", false, errors.Wrap(err, "reading stdout file")
	}
	errBytes, err := os.ReadFile(stderrPath)
	if err != nil {
		return "", false, errors.Wrap(err, "reading stderr file")
	}
	status, postpone := classify(res, outBytes, errBytes)
	return status, postpone, nil
}

// command assembles the invocation for the test's category. pytest and
// mocknet tests run the named script from the checkout's pytest tree;
// expensive tests run the pre-built test executable fetched from the
// builder.
func (w *Worker) command(spec *testspec.TestSpec, checkout string) (*exec.Command, error) {
	env := []string{"RUST_BACKTRACE=1"}
	switch spec.Category {
	case testspec.CategoryPytest, testspec.CategoryMocknet:
		args := append([]string{filepath.Join("tests", spec.Args[0])}, spec.Args[1:]...)
		return &exec.Command{
			Name: "python3",
			Args: args,
			Dir:  filepath.Join(checkout, "pytest"),
			Env:  env,
		}, nil
	case testspec.CategoryExpensive:
		// Args are (package, executable, test name); the executable was
		// published by the builder with its metadata hash stripped.
		return &exec.Command{
			Name: filepath.Join(w.expensiveDir(), spec.Args[1]),
			Args: []string{spec.Args[2], "--exact", "--nocapture"},
			Dir:  checkout,
			Env:  env,
		}, nil
	}
	return nil, errors.Errorf("unknown category %q", spec.Category)
}

// classify maps a finished subprocess onto a test status. The second
// return value asks the caller to postpone instead.
func classify(res *exec.Result, stdout, stderr []byte) (string, bool) {
	if res.TimedOut {
		return db.TestTimeout, false
	}
	if res.ExitCode == exitPostpone {
		return "", true
	}
	if res.ExitCode != 0 {
		return db.TestFailed, false
	}
	for _, pattern := range failPatterns {
		if bytes.Contains(stderr, []byte(pattern)) {
			return db.TestFailed, false
		}
	}
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || bytes.Contains(trimmed, []byte("0 passed")) {
		return db.TestIgnored, false
	}
	return db.TestPassed, false
}

// fail writes a terminal FAILED status with a synthetic log describing
// what went wrong before the test could produce output of its own.
func (w *Worker) fail(ctx context.Context, testID int64, logType string, cause error) {
	glog.Warningf("Test %d failed before execution: %s", testID, cause)
	text := []byte(cause.Error() + "\n")
	logs := []db.Log{{
		TestID: testID,
		Type:   logType,
		Size:   int64(len(text)),
		Data:   text,
	}}
	if err := w.db.FinishTest(ctx, testID, db.TestFailed, logs); err != nil {
		glog.Errorf("Reporting test %d: %s", testID, err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
