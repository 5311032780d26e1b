// Package memory provides an in-memory implementation of db.DB for
// testing the admission, builder, worker, nightly and frontend logic
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/near/nayduck/go/db"
)

// InMemoryDB implements db.DB with mutex-guarded maps. All methods are
// atomic with respect to each other, which models the serializable
// transactions of the SQL implementation.
type InMemoryDB struct {
	mtx     sync.Mutex
	runs    map[int64]*db.Run
	builds  map[int64]*db.Build
	tests   map[int64]*db.Test
	logs    map[int64]map[string]*db.Log
	cookies map[uint64]time.Time
	nextID  int64

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

// NewInMemoryDB returns an empty in-memory DB.
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		runs:    map[int64]*db.Run{},
		builds:  map[int64]*db.Build{},
		tests:   map[int64]*db.Test{},
		logs:    map[int64]map[string]*db.Log{},
		cookies: map[uint64]time.Time{},
		nextID:  1,
		Now:     time.Now,
	}
}

func (d *InMemoryDB) id() int64 {
	id := d.nextID
	d.nextID++
	return id
}

// See docs for db.DB interface.
func (d *InMemoryDB) ScheduleRun(ctx context.Context, run *db.Run, groups []db.BuildGroup) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	r := *run
	r.ID = d.id()
	if r.Timestamp.IsZero() {
		r.Timestamp = d.Now()
	}
	d.runs[r.ID] = &r
	for _, group := range groups {
		b := &db.Build{
			ID:          d.id(),
			RunID:       r.ID,
			Status:      db.BuildPending,
			IsRelease:   group.IsRelease,
			Features:    group.Features,
			LowPriority: r.IsNightly(),
		}
		if group.SkipBuild {
			b.Status = db.BuildDone
		}
		d.builds[b.ID] = b
		for _, nt := range group.Tests {
			t := &db.Test{
				ID:        d.id(),
				RunID:     r.ID,
				BuildID:   b.ID,
				Name:      nt.Name,
				Category:  nt.Category,
				Timeout:   nt.Timeout,
				SkipBuild: nt.SkipBuild,
				Branch:    r.Branch,
				IsNightly: r.IsNightly(),
				Status:    db.TestPending,
			}
			d.tests[t.ID] = t
		}
	}
	return r.ID, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) ResetBuilds(ctx context.Context, builderIP uint32) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, b := range d.builds {
		if b.Status == db.BuildBuilding && b.BuilderIP == builderIP {
			b.Status = db.BuildPending
			b.BuilderIP = 0
			b.Started = nil
		}
	}
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) ClaimBuild(ctx context.Context, builderIP uint32) (*db.ClaimedBuild, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var best *db.Build
	for _, b := range d.builds {
		if b.Status != db.BuildPending {
			continue
		}
		if best == nil || less(b.LowPriority, b.ID, best.LowPriority, best.ID) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	now := d.Now()
	best.Status = db.BuildBuilding
	best.BuilderIP = builderIP
	best.Started = &now
	claimed := &db.ClaimedBuild{Build: *best, SHA: d.runs[best.RunID].SHA}
	for _, t := range d.tests {
		if t.BuildID == best.ID && t.Category == "expensive" {
			claimed.Expensive = true
			break
		}
	}
	return claimed, nil
}

func less(lowA bool, idA int64, lowB bool, idB int64) bool {
	if lowA != lowB {
		return !lowA
	}
	return idA < idB
}

// See docs for db.DB interface.
func (d *InMemoryDB) BuildFinished(ctx context.Context, buildID int64, success bool, stdout, stderr []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	b, ok := d.builds[buildID]
	if !ok {
		return errors.Errorf("no such build: %d", buildID)
	}
	now := d.Now()
	b.Finished = &now
	b.Stdout = stdout
	b.Stderr = stderr
	if success {
		b.Status = db.BuildDone
		return nil
	}
	b.Status = db.BuildFailed
	for _, t := range d.tests {
		if t.BuildID == buildID && t.Status == db.TestPending {
			t.Status = db.TestCanceled
			t.Finished = &now
		}
	}
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) IdleBuilds(ctx context.Context, builderIP uint32) ([]int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ids []int64
	for _, b := range d.builds {
		if b.BuilderIP != builderIP {
			continue
		}
		busy := false
		for _, t := range d.tests {
			if t.BuildID == b.ID && (t.Status == db.TestPending || t.Status == db.TestRunning) {
				busy = true
				break
			}
		}
		if !busy {
			ids = append(ids, b.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) UnassignBuilds(ctx context.Context, builderIP uint32, buildIDs []int64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, id := range buildIDs {
		if b, ok := d.builds[id]; ok && b.BuilderIP == builderIP {
			b.BuilderIP = 0
		}
	}
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) ResetTests(ctx context.Context, workerHostname string) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, t := range d.tests {
		if t.Status == db.TestRunning && t.WorkerHostname == workerHostname {
			t.Status = db.TestPending
			t.WorkerHostname = ""
			t.Started = nil
			if t.Tries > 0 {
				t.Tries--
			}
		}
	}
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) ClaimTest(ctx context.Context, workerHostname string, preferMocknet bool) (*db.ClaimedTest, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	now := d.Now()
	// Retire tests that ran out of tries.
	for _, t := range d.tests {
		if t.Status == db.TestPending && t.Tries >= db.MaxTries {
			t.Status = db.TestFailed
			finished := now
			t.Finished = &finished
		}
	}
	var best *db.Test
	for _, t := range d.tests {
		if t.Status != db.TestPending || t.Tries >= db.MaxTries {
			continue
		}
		if t.SelectAfter != nil && t.SelectAfter.After(now) {
			continue
		}
		b := d.builds[t.BuildID]
		if !t.SkipBuild && !(b.Status == db.BuildDone && b.BuilderIP != 0) {
			continue
		}
		if best == nil || d.claimBefore(t, best, preferMocknet) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = db.TestRunning
	best.WorkerHostname = workerHostname
	started := now
	best.Started = &started
	best.Tries++
	best.SelectAfter = nil
	if best.Tries > 1 {
		delete(d.logs, best.ID)
	}
	return &db.ClaimedTest{
		Test:      *best,
		SHA:       d.runs[best.RunID].SHA,
		BuilderIP: d.builds[best.BuildID].BuilderIP,
	}, nil
}

func (d *InMemoryDB) claimBefore(a, b *db.Test, preferMocknet bool) bool {
	if preferMocknet {
		am := a.Category == "mocknet"
		bm := b.Category == "mocknet"
		if am != bm {
			return am
		}
	}
	return less(d.builds[a.BuildID].LowPriority, a.ID, d.builds[b.BuildID].LowPriority, b.ID)
}

// See docs for db.DB interface.
func (d *InMemoryDB) PostponeTest(ctx context.Context, testID int64, delay time.Duration) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	t, ok := d.tests[testID]
	if !ok || t.Status != db.TestRunning {
		return nil
	}
	t.Status = db.TestPending
	t.WorkerHostname = ""
	t.Started = nil
	after := d.Now().Add(delay)
	t.SelectAfter = &after
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) FinishTest(ctx context.Context, testID int64, status string, logs []db.Log) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	t, ok := d.tests[testID]
	if !ok {
		return errors.Errorf("no such test: %d", testID)
	}
	for _, l := range logs {
		l := l
		l.TestID = testID
		if d.logs[testID] == nil {
			d.logs[testID] = map[string]*db.Log{}
		}
		d.logs[testID][l.Type] = &l
	}
	now := d.Now()
	t.Status = status
	t.Finished = &now
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) LastNightlyRun(ctx context.Context) (*db.Run, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var last *db.Run
	for _, r := range d.runs {
		if r.IsNightly() && (last == nil || r.ID > last.ID) {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) LatestRuns(ctx context.Context, limit int) ([]db.RunSummary, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var runs []*db.Run
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	var summaries []db.RunSummary
	for _, r := range runs {
		summary := db.RunSummary{Run: *r}
		var builds []*db.Build
		for _, b := range d.builds {
			if b.RunID == r.ID {
				builds = append(builds, b)
			}
		}
		sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })
		for _, b := range builds {
			bs := db.BuildSummary{
				ID: b.ID, Status: b.Status, IsRelease: b.IsRelease,
				Features: b.Features, Tests: map[string]int{},
			}
			for _, t := range d.tests {
				if t.BuildID == b.ID {
					bs.Tests[t.Status]++
				}
			}
			summary.Builds = append(summary.Builds, bs)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) GetRun(ctx context.Context, runID int64) (*db.Run, []db.Test, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	r, ok := d.runs[runID]
	if !ok {
		return nil, nil, nil
	}
	cp := *r
	var tests []db.Test
	for _, t := range d.tests {
		if t.RunID == runID {
			tests = append(tests, *t)
		}
	}
	sort.Slice(tests, func(i, j int) bool { return tests[i].ID < tests[j].ID })
	return &cp, tests, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) GetBuild(ctx context.Context, buildID int64) (*db.Build, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	b, ok := d.builds[buildID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) GetTest(ctx context.Context, testID int64) (*db.Test, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	t, ok := d.tests[testID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) TestHistory(ctx context.Context, name, branch string, limit int) ([]db.HistoryEntry, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var entries []db.HistoryEntry
	for _, t := range d.tests {
		if t.Name == name && t.Branch == branch {
			entries = append(entries, db.HistoryEntry{Test: *t, SHA: d.runs[t.RunID].SHA})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) GetLog(ctx context.Context, testID int64, logType string) (*db.Log, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	l, ok := d.logs[testID][logType]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// AddLogForTesting stores a log row directly, bypassing FinishTest.
func (d *InMemoryDB) AddLogForTesting(testID int64, l db.Log) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	l.TestID = testID
	if d.logs[testID] == nil {
		d.logs[testID] = map[string]*db.Log{}
	}
	d.logs[testID][l.Type] = &l
}

// Logs returns every stored log of a test, for assertions in tests.
func (d *InMemoryDB) Logs(testID int64) []db.Log {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var logs []db.Log
	for _, l := range d.logs[testID] {
		logs = append(logs, *l)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Type < logs[j].Type })
	return logs
}

// See docs for db.DB interface.
func (d *InMemoryDB) CancelRun(ctx context.Context, runID int64) (int64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	now := d.Now()
	var affected int64
	for _, t := range d.tests {
		if t.RunID == runID && t.Status == db.TestPending {
			t.Status = db.TestCanceled
			finished := now
			t.Finished = &finished
			affected++
		}
	}
	for _, b := range d.builds {
		if b.RunID == runID && b.Status == db.BuildPending {
			b.Status = db.BuildDone
			finished := now
			b.Finished = &finished
		}
	}
	return affected, nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) AddAuthCookie(ctx context.Context, cookie uint64) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.gcCookies()
	d.cookies[cookie] = d.Now()
	return nil
}

// See docs for db.DB interface.
func (d *InMemoryDB) TakeAuthCookie(ctx context.Context, cookie uint64) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.gcCookies()
	_, ok := d.cookies[cookie]
	delete(d.cookies, cookie)
	return ok, nil
}

func (d *InMemoryDB) gcCookies() {
	cutoff := d.Now().Add(-10 * time.Minute)
	for c, ts := range d.cookies {
		if ts.Before(cutoff) {
			delete(d.cookies, c)
		}
	}
}

var _ db.DB = (*InMemoryDB)(nil)
