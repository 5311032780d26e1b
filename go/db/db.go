// Package db defines the shared state protocol between the admission
// pipeline, the builder and worker daemons, the nightly scheduler and the
// frontend. All coordination happens through this store; daemons share no
// memory.
package db

import (
	"context"
	"encoding/hex"
	"time"
)

// MaxTries bounds how many times a single test may be claimed. A pending
// test which already used up its tries is marked FAILED by the claim
// transaction instead of being handed out again.
const MaxTries = 3

// Build statuses.
const (
	BuildPending  = "PENDING"
	BuildBuilding = "BUILDING"
	BuildDone     = "BUILD DONE"
	BuildFailed   = "BUILD FAILED"
)

// Test statuses.
const (
	TestPending     = "PENDING"
	TestRunning     = "RUNNING"
	TestPassed      = "PASSED"
	TestFailed      = "FAILED"
	TestIgnored     = "IGNORED"
	TestTimeout     = "TIMEOUT"
	TestCanceled    = "CANCELED"
	TestBuildFailed = "BUILD FAILED"
)

// NightlyRequester identifies runs submitted by the nightly scheduler;
// their builds are scheduled at low priority.
const NightlyRequester = "NayDuck"

// Run is a single submission: one commit plus a list of tests. Immutable
// after insertion.
type Run struct {
	ID        int64
	Branch    string
	SHA       string // hex; stored as raw bytes
	Title     string
	Requester string
	Timestamp time.Time
}

// IsNightly returns whether the run was filed by the nightly scheduler.
func (r *Run) IsNightly() bool {
	return r.Requester == NightlyRequester
}

// SHABytes returns the raw commit hash, or nil if SHA is not valid hex.
func (r *Run) SHABytes() []byte {
	raw, err := hex.DecodeString(r.SHA)
	if err != nil {
		return nil
	}
	return raw
}

// Build is one compilation unit, shared by every test of its run with the
// same (IsRelease, Features) pair.
type Build struct {
	ID          int64
	RunID       int64
	Status      string
	IsRelease   bool
	Features    string
	LowPriority bool
	// BuilderIP is the owning builder's IPv4 as a 32-bit integer; zero
	// when unassigned or after the artifacts were garbage collected.
	BuilderIP uint32
	Started   *time.Time
	Finished  *time.Time
	Stdout    []byte
	Stderr    []byte
}

// Test is one execution unit.
type Test struct {
	ID       int64
	RunID    int64
	BuildID  int64
	Name     string // normalized short name
	Category string
	Timeout  time.Duration
	// SkipBuild on the test row is authoritative; the build group's flag
	// is the AND across its tests and only picks the build's initial
	// status.
	SkipBuild      bool
	Branch         string
	IsNightly      bool
	Status         string
	Tries          int
	WorkerHostname string
	Started        *time.Time
	Finished       *time.Time
	// SelectAfter delays re-claiming after a postpone.
	SelectAfter *time.Time
}

// TestFinished reports whether the status is terminal.
func TestFinished(status string) bool {
	switch status {
	case TestPassed, TestFailed, TestIgnored, TestTimeout, TestCanceled, TestBuildFailed:
		return true
	}
	return false
}

// Log is one artifact collected for a test. Either Data holds the
// (possibly gzip-framed) bytes inline, or Storage points at the blob
// store; Size is the uncompressed size.
type Log struct {
	TestID     int64
	Type       string
	Size       int64
	Storage    string
	Data       []byte
	StackTrace bool
}

// GzipFramed reports whether b carries the gzip magic.
func GzipFramed(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// NewTest describes a test to insert during admission.
type NewTest struct {
	Name      string
	Category  string
	Timeout   time.Duration
	SkipBuild bool
}

// BuildGroup is one deduplicated build with its tests, as produced by
// admission. SkipBuild is the AND across the group's tests: the build row
// starts out BUILD DONE only when nothing in the group needs an artifact.
type BuildGroup struct {
	IsRelease bool
	Features  string
	SkipBuild bool
	Tests     []NewTest
}

// ClaimedBuild is the claim transaction's result for a builder.
type ClaimedBuild struct {
	Build
	SHA string
	// Expensive is set when any dependent test has category "expensive",
	// in which case the builder additionally produces the expensive test
	// executables.
	Expensive bool
}

// ClaimedTest is the claim transaction's result for a worker, joined with
// the owning build and run.
type ClaimedTest struct {
	Test
	SHA       string
	BuilderIP uint32
}

// RunSummary is a run with per-build test status counters, for the runs
// listing.
type RunSummary struct {
	Run
	Builds []BuildSummary
}

// BuildSummary is a build with the number of dependent tests per status.
type BuildSummary struct {
	ID        int64
	Status    string
	IsRelease bool
	Features  string
	Tests     map[string]int
}

// HistoryEntry is one past execution of a test name on a branch, newest
// first, joined with its run's commit.
type HistoryEntry struct {
	Test
	SHA string
}

// DB is the store interface. The SQL implementation lives in this
// package; an in-memory implementation for tests lives in db/memory.
type DB interface {
	// ScheduleRun inserts the run, its deduplicated builds and all tests
	// in a single serializable transaction and returns the new run ID.
	ScheduleRun(ctx context.Context, run *Run, groups []BuildGroup) (int64, error)

	// ResetBuilds returns every BUILDING row owned by the given builder
	// to PENDING. Called on builder startup.
	ResetBuilds(ctx context.Context, builderIP uint32) error
	// ClaimBuild claims the pending build with the lowest
	// (low_priority, build_id), marking it BUILDING and owned by the
	// builder. Returns nil when nothing is pending.
	ClaimBuild(ctx context.Context, builderIP uint32) (*ClaimedBuild, error)
	// BuildFinished records the terminal build status. On failure every
	// still-pending dependent test is canceled in the same transaction.
	BuildFinished(ctx context.Context, buildID int64, success bool, stdout, stderr []byte) error
	// IdleBuilds lists builds owned by the builder with no pending or
	// running dependent tests; their artifacts may be deleted.
	IdleBuilds(ctx context.Context, builderIP uint32) ([]int64, error)
	// UnassignBuilds clears ownership of the given builds after their
	// artifacts were removed.
	UnassignBuilds(ctx context.Context, builderIP uint32, buildIDs []int64) error

	// ResetTests returns every RUNNING row owned by the given worker to
	// PENDING, refunding the try. Called on worker startup.
	ResetTests(ctx context.Context, workerHostname string) error
	// ClaimTest claims the eligible pending test with the lowest
	// (low_priority, test_id); mocknet tests are preferred when
	// preferMocknet is set. Eligible means skip_build, or the build is
	// BUILD DONE with a live builder. The claim increments tries, and on
	// a re-claim deletes the previous attempt's logs. Pending tests out
	// of tries are marked FAILED by the same transaction. Returns nil
	// when nothing is eligible.
	ClaimTest(ctx context.Context, workerHostname string, preferMocknet bool) (*ClaimedTest, error)
	// PostponeTest releases a claim (exit code 13): back to PENDING,
	// ownership cleared, not claimable again before the delay elapses.
	// The consumed try is not refunded.
	PostponeTest(ctx context.Context, testID int64, delay time.Duration) error
	// FinishTest upserts the collected logs and writes the terminal
	// status in one transaction.
	FinishTest(ctx context.Context, testID int64, status string, logs []Log) error

	// LastNightlyRun returns the most recent nightly run, or nil.
	LastNightlyRun(ctx context.Context) (*Run, error)

	// Read API.
	LatestRuns(ctx context.Context, limit int) ([]RunSummary, error)
	GetRun(ctx context.Context, runID int64) (*Run, []Test, error)
	GetBuild(ctx context.Context, buildID int64) (*Build, error)
	GetTest(ctx context.Context, testID int64) (*Test, error)
	TestHistory(ctx context.Context, name, branch string, limit int) ([]HistoryEntry, error)
	GetLog(ctx context.Context, testID int64, logType string) (*Log, error)
	// CancelRun cancels every pending test of the run and marks pending
	// builds BUILD DONE so workers stop waiting on them. Running work is
	// not preempted. Returns the number of affected tests.
	CancelRun(ctx context.Context, runID int64) (int64, error)

	// Single-use auth nonces with a 10 minute TTL; expired rows are
	// collected on every access.
	AddAuthCookie(ctx context.Context, cookie uint64) error
	// TakeAuthCookie consumes the nonce, reporting whether it existed
	// and was fresh.
	TakeAuthCookie(ctx context.Context, cookie uint64) (bool, error)
}
