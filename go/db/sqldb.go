package db

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgx"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// authCookieTTL is how long a nonce stays valid.
const authCookieTTL = 10 * time.Minute

// SQLDB is the pgx-backed implementation of DB.
type SQLDB struct {
	db *pgxpool.Pool
}

// NewSQLDB connects to the database and applies the schema.
func NewSQLDB(ctx context.Context, dsn string) (*SQLDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parsing database DSN")
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "applying schema")
	}
	return &SQLDB{db: pool}, nil
}

// Close releases the connection pool.
func (s *SQLDB) Close() {
	s.db.Close()
}

// serializable runs fn in a serializable transaction, retrying on
// serialization conflicts.
func (s *SQLDB) serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return crdbpgx.ExecuteTx(ctx, s.db, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
}

// ScheduleRun implements DB.
func (s *SQLDB) ScheduleRun(ctx context.Context, run *Run, groups []BuildGroup) (int64, error) {
	sha, err := hex.DecodeString(run.SHA)
	if err != nil {
		return 0, errors.Wrapf(err, "bad commit sha %q", run.SHA)
	}
	var runID int64
	err = s.serializable(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
INSERT INTO runs (branch, sha, title, requester) VALUES ($1, $2, $3, $4)
RETURNING run_id`, run.Branch, sha, run.Title, run.Requester).Scan(&runID); err != nil {
			return err // Don't wrap - crdbpgx might retry
		}
		lowPriority := run.IsNightly()
		for _, group := range groups {
			status := BuildPending
			if group.SkipBuild {
				status = BuildDone
			}
			var buildID int64
			if err := tx.QueryRow(ctx, `
INSERT INTO builds (run_id, status, is_release, features, low_priority)
VALUES ($1, $2, $3, $4, $5) RETURNING build_id`,
				runID, status, group.IsRelease, group.Features, lowPriority).Scan(&buildID); err != nil {
				return err
			}
			for _, test := range group.Tests {
				if _, err := tx.Exec(ctx, `
INSERT INTO tests (run_id, build_id, name, category, timeout, skip_build, branch, is_nightly, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')`,
					runID, buildID, test.Name, test.Category, int64(test.Timeout/time.Second),
					test.SkipBuild, run.Branch, lowPriority); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "scheduling run")
	}
	return runID, nil
}

// ResetBuilds implements DB.
func (s *SQLDB) ResetBuilds(ctx context.Context, builderIP uint32) error {
	_, err := s.db.Exec(ctx, `
UPDATE builds SET status = 'PENDING', builder_ip = 0, started = NULL
WHERE status = 'BUILDING' AND builder_ip = $1`, int64(builderIP))
	return errors.Wrap(err, "resetting builds")
}

// ClaimBuild implements DB.
func (s *SQLDB) ClaimBuild(ctx context.Context, builderIP uint32) (*ClaimedBuild, error) {
	var claimed *ClaimedBuild
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		claimed = nil
		b := &ClaimedBuild{}
		var sha []byte
		var ip int64
		err := tx.QueryRow(ctx, `
SELECT b.build_id, b.run_id, b.is_release, b.features, b.low_priority, r.sha,
       EXISTS (SELECT 1 FROM tests t
               WHERE t.build_id = b.build_id AND t.category = 'expensive')
FROM builds b JOIN runs r ON r.run_id = b.run_id
WHERE b.status = 'PENDING'
ORDER BY b.low_priority, b.build_id
LIMIT 1`).Scan(&b.ID, &b.RunID, &b.IsRelease, &b.Features, &b.LowPriority, &sha, &b.Expensive)
		if err == pgx.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		}
		ip = int64(builderIP)
		if _, err := tx.Exec(ctx, `
UPDATE builds SET status = 'BUILDING', builder_ip = $1, started = now()
WHERE build_id = $2`, ip, b.ID); err != nil {
			return err
		}
		b.Status = BuildBuilding
		b.BuilderIP = builderIP
		b.SHA = hex.EncodeToString(sha)
		claimed = b
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claiming build")
	}
	return claimed, nil
}

// BuildFinished implements DB.
func (s *SQLDB) BuildFinished(ctx context.Context, buildID int64, success bool, stdout, stderr []byte) error {
	status := BuildDone
	if !success {
		status = BuildFailed
	}
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
UPDATE builds SET status = $1, finished = now(), stdout = $2, stderr = $3
WHERE build_id = $4`, status, stdout, stderr, buildID); err != nil {
			return err
		}
		if success {
			return nil
		}
		// A failed build cancels its still-pending tests atomically so
		// no worker waits on an artifact that will never exist.
		_, err := tx.Exec(ctx, `
UPDATE tests SET status = 'CANCELED', finished = now()
WHERE build_id = $1 AND status = 'PENDING'`, buildID)
		return err
	})
	return errors.Wrapf(err, "finishing build %d", buildID)
}

// IdleBuilds implements DB.
func (s *SQLDB) IdleBuilds(ctx context.Context, builderIP uint32) ([]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT b.build_id FROM builds b
WHERE b.builder_ip = $1
  AND NOT EXISTS (SELECT 1 FROM tests t
                  WHERE t.build_id = b.build_id
                    AND t.status IN ('PENDING', 'RUNNING'))`, int64(builderIP))
	if err != nil {
		return nil, errors.Wrap(err, "listing idle builds")
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning build id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "listing idle builds")
}

// UnassignBuilds implements DB.
func (s *SQLDB) UnassignBuilds(ctx context.Context, builderIP uint32, buildIDs []int64) error {
	if len(buildIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
UPDATE builds SET builder_ip = 0
WHERE builder_ip = $1 AND build_id = ANY($2)`, int64(builderIP), buildIDs)
	return errors.Wrap(err, "unassigning builds")
}

// ResetTests implements DB.
func (s *SQLDB) ResetTests(ctx context.Context, workerHostname string) error {
	_, err := s.db.Exec(ctx, `
UPDATE tests
SET status = 'PENDING', worker_hostname = '', started = NULL,
    tries = GREATEST(tries - 1, 0)
WHERE status = 'RUNNING' AND worker_hostname = $1`, workerHostname)
	return errors.Wrap(err, "resetting tests")
}

const claimTestQuery = `
SELECT t.test_id, t.run_id, t.build_id, t.name, t.category, t.timeout,
       t.skip_build, t.branch, t.is_nightly, t.tries, b.builder_ip, r.sha
FROM tests t
JOIN builds b ON b.build_id = t.build_id
JOIN runs r ON r.run_id = t.run_id
WHERE t.status = 'PENDING'
  AND t.tries < $2
  AND (t.select_after IS NULL OR t.select_after <= now())
  AND (t.skip_build OR (b.status = 'BUILD DONE' AND b.builder_ip != 0))
ORDER BY (CASE WHEN $1::BOOL AND t.category = 'mocknet' THEN 0 ELSE 1 END),
         b.low_priority, t.test_id
LIMIT 1`

// ClaimTest implements DB.
func (s *SQLDB) ClaimTest(ctx context.Context, workerHostname string, preferMocknet bool) (*ClaimedTest, error) {
	var claimed *ClaimedTest
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		claimed = nil
		// Retire tests that ran out of tries so they do not clog the
		// front of the queue forever.
		if _, err := tx.Exec(ctx, `
UPDATE tests SET status = 'FAILED', finished = now()
WHERE status = 'PENDING' AND tries >= $1`, MaxTries); err != nil {
			return err
		}
		t := &ClaimedTest{}
		var sha []byte
		var timeoutSec, builderIP int64
		err := tx.QueryRow(ctx, claimTestQuery, preferMocknet, MaxTries).Scan(
			&t.ID, &t.RunID, &t.BuildID, &t.Name, &t.Category, &timeoutSec,
			&t.SkipBuild, &t.Branch, &t.IsNightly, &t.Tries, &builderIP, &sha)
		if err == pgx.ErrNoRows {
			return nil
		} else if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE tests
SET status = 'RUNNING', worker_hostname = $1, started = now(),
    tries = tries + 1, select_after = NULL
WHERE test_id = $2`, workerHostname, t.ID); err != nil {
			return err
		}
		t.Tries++
		if t.Tries > 1 {
			// A retry replaces its predecessor's artifacts.
			if _, err := tx.Exec(ctx,
				`DELETE FROM logs WHERE test_id = $1`, t.ID); err != nil {
				return err
			}
		}
		t.Status = TestRunning
		t.WorkerHostname = workerHostname
		t.Timeout = time.Duration(timeoutSec) * time.Second
		t.BuilderIP = uint32(builderIP)
		t.SHA = hex.EncodeToString(sha)
		claimed = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "claiming test")
	}
	return claimed, nil
}

// PostponeTest implements DB.
func (s *SQLDB) PostponeTest(ctx context.Context, testID int64, delay time.Duration) error {
	_, err := s.db.Exec(ctx, `
UPDATE tests
SET status = 'PENDING', worker_hostname = '', started = NULL,
    select_after = now() + make_interval(secs => $1)
WHERE test_id = $2 AND status = 'RUNNING'`, delay.Seconds(), testID)
	return errors.Wrapf(err, "postponing test %d", testID)
}

// FinishTest implements DB.
func (s *SQLDB) FinishTest(ctx context.Context, testID int64, status string, logs []Log) error {
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		for _, l := range logs {
			if _, err := tx.Exec(ctx, `
INSERT INTO logs (test_id, type, size, storage, log, stack_trace)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (test_id, type) DO UPDATE
SET size = EXCLUDED.size, storage = EXCLUDED.storage,
    log = EXCLUDED.log, stack_trace = EXCLUDED.stack_trace`,
				testID, l.Type, l.Size, l.Storage, l.Data, l.StackTrace); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
UPDATE tests SET status = $1, finished = now() WHERE test_id = $2`,
			status, testID)
		return err
	})
	return errors.Wrapf(err, "finishing test %d", testID)
}

// LastNightlyRun implements DB.
func (s *SQLDB) LastNightlyRun(ctx context.Context) (*Run, error) {
	run := &Run{}
	var sha []byte
	err := s.db.QueryRow(ctx, `
SELECT run_id, branch, sha, title, requester, timestamp
FROM runs WHERE requester = $1
ORDER BY run_id DESC LIMIT 1`, NightlyRequester).Scan(
		&run.ID, &run.Branch, &sha, &run.Title, &run.Requester, &run.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading last nightly run")
	}
	run.SHA = hex.EncodeToString(sha)
	return run, nil
}

// LatestRuns implements DB.
func (s *SQLDB) LatestRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(ctx, `
SELECT run_id, branch, sha, title, requester, timestamp
FROM runs ORDER BY run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	defer rows.Close()
	var summaries []RunSummary
	index := map[int64]int{}
	var ids []int64
	for rows.Next() {
		var r RunSummary
		var sha []byte
		if err := rows.Scan(&r.ID, &r.Branch, &sha, &r.Title, &r.Requester, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning run")
		}
		r.SHA = hex.EncodeToString(sha)
		index[r.ID] = len(summaries)
		ids = append(ids, r.ID)
		summaries = append(summaries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing runs")
	}
	if len(ids) == 0 {
		return summaries, nil
	}
	buildRows, err := s.db.Query(ctx, `
SELECT b.run_id, b.build_id, b.status, b.is_release, b.features,
       t.status, count(*)
FROM builds b LEFT JOIN tests t ON t.build_id = b.build_id
WHERE b.run_id = ANY($1)
GROUP BY b.run_id, b.build_id, b.status, b.is_release, b.features, t.status
ORDER BY b.build_id`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "listing run builds")
	}
	defer buildRows.Close()
	builds := map[int64]*BuildSummary{}
	var order []int64
	byRun := map[int64]int64{}
	for buildRows.Next() {
		var runID, buildID int64
		var count int
		var status, features string
		var isRelease bool
		var testStatus *string
		if err := buildRows.Scan(&runID, &buildID, &status, &isRelease, &features, &testStatus, &count); err != nil {
			return nil, errors.Wrap(err, "scanning build counters")
		}
		b, ok := builds[buildID]
		if !ok {
			b = &BuildSummary{
				ID: buildID, Status: status, IsRelease: isRelease,
				Features: features, Tests: map[string]int{},
			}
			builds[buildID] = b
			order = append(order, buildID)
			byRun[buildID] = runID
		}
		if testStatus != nil {
			b.Tests[*testStatus] += count
		}
	}
	if err := buildRows.Err(); err != nil {
		return nil, errors.Wrap(err, "listing run builds")
	}
	for _, buildID := range order {
		i := index[byRun[buildID]]
		summaries[i].Builds = append(summaries[i].Builds, *builds[buildID])
	}
	return summaries, nil
}

const testColumns = `
test_id, run_id, build_id, name, category, timeout, skip_build, branch,
is_nightly, status, tries, worker_hostname, started, finished`

func scanTest(row pgx.Row) (*Test, error) {
	t := &Test{}
	var timeoutSec int64
	if err := row.Scan(&t.ID, &t.RunID, &t.BuildID, &t.Name, &t.Category,
		&timeoutSec, &t.SkipBuild, &t.Branch, &t.IsNightly, &t.Status,
		&t.Tries, &t.WorkerHostname, &t.Started, &t.Finished); err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeoutSec) * time.Second
	return t, nil
}

// GetRun implements DB.
func (s *SQLDB) GetRun(ctx context.Context, runID int64) (*Run, []Test, error) {
	run := &Run{}
	var sha []byte
	err := s.db.QueryRow(ctx, `
SELECT run_id, branch, sha, title, requester, timestamp
FROM runs WHERE run_id = $1`, runID).Scan(
		&run.ID, &run.Branch, &sha, &run.Title, &run.Requester, &run.Timestamp)
	if err == pgx.ErrNoRows {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, errors.Wrapf(err, "reading run %d", runID)
	}
	run.SHA = hex.EncodeToString(sha)
	rows, err := s.db.Query(ctx, `
SELECT `+testColumns+` FROM tests WHERE run_id = $1 ORDER BY test_id`, runID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading tests of run %d", runID)
	}
	defer rows.Close()
	var tests []Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, nil, errors.Wrap(err, "scanning test")
		}
		tests = append(tests, *t)
	}
	return run, tests, errors.Wrap(rows.Err(), "reading tests")
}

// GetBuild implements DB.
func (s *SQLDB) GetBuild(ctx context.Context, buildID int64) (*Build, error) {
	b := &Build{}
	var ip int64
	err := s.db.QueryRow(ctx, `
SELECT build_id, run_id, status, is_release, features, low_priority,
       builder_ip, started, finished, stdout, stderr
FROM builds WHERE build_id = $1`, buildID).Scan(
		&b.ID, &b.RunID, &b.Status, &b.IsRelease, &b.Features, &b.LowPriority,
		&ip, &b.Started, &b.Finished, &b.Stdout, &b.Stderr)
	if err == pgx.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading build %d", buildID)
	}
	b.BuilderIP = uint32(ip)
	return b, nil
}

// GetTest implements DB.
func (s *SQLDB) GetTest(ctx context.Context, testID int64) (*Test, error) {
	t, err := scanTest(s.db.QueryRow(ctx, `
SELECT `+testColumns+` FROM tests WHERE test_id = $1`, testID))
	if err == pgx.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading test %d", testID)
	}
	return t, nil
}

// TestHistory implements DB.
func (s *SQLDB) TestHistory(ctx context.Context, name, branch string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
SELECT t.test_id, t.run_id, t.build_id, t.name, t.category, t.timeout,
       t.skip_build, t.branch, t.is_nightly, t.status, t.tries,
       t.worker_hostname, t.started, t.finished, r.sha
FROM tests t JOIN runs r ON r.run_id = t.run_id
WHERE t.name = $1 AND t.branch = $2
ORDER BY t.test_id DESC LIMIT $3`, name, branch, limit)
	if err != nil {
		return nil, errors.Wrap(err, "reading test history")
	}
	defer rows.Close()
	var history []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var timeoutSec int64
		var sha []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.BuildID, &e.Name, &e.Category,
			&timeoutSec, &e.SkipBuild, &e.Branch, &e.IsNightly, &e.Status,
			&e.Tries, &e.WorkerHostname, &e.Started, &e.Finished, &sha); err != nil {
			return nil, errors.Wrap(err, "scanning history entry")
		}
		e.Timeout = time.Duration(timeoutSec) * time.Second
		e.SHA = hex.EncodeToString(sha)
		history = append(history, e)
	}
	return history, errors.Wrap(rows.Err(), "reading test history")
}

// GetLog implements DB.
func (s *SQLDB) GetLog(ctx context.Context, testID int64, logType string) (*Log, error) {
	l := &Log{}
	err := s.db.QueryRow(ctx, `
SELECT test_id, type, size, storage, log, stack_trace
FROM logs WHERE test_id = $1 AND type = $2`, testID, logType).Scan(
		&l.TestID, &l.Type, &l.Size, &l.Storage, &l.Data, &l.StackTrace)
	if err == pgx.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "reading log %d/%s", testID, logType)
	}
	return l, nil
}

// CancelRun implements DB.
func (s *SQLDB) CancelRun(ctx context.Context, runID int64) (int64, error) {
	var affected int64
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE tests SET status = 'CANCELED', finished = now()
WHERE run_id = $1 AND status = 'PENDING'`, runID)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		// Mark pending builds done so builders skip them; running work
		// is not preempted.
		_, err = tx.Exec(ctx, `
UPDATE builds SET status = 'BUILD DONE', finished = now()
WHERE run_id = $1 AND status = 'PENDING'`, runID)
		return err
	})
	return affected, errors.Wrapf(err, "canceling run %d", runID)
}

// AddAuthCookie implements DB.
func (s *SQLDB) AddAuthCookie(ctx context.Context, cookie uint64) error {
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		if err := gcAuthCookies(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO auth_cookies (timestamp, cookie) VALUES ($1, $2)`,
			time.Now().Unix(), int64(cookie))
		return err
	})
	return errors.Wrap(err, "adding auth cookie")
}

// TakeAuthCookie implements DB.
func (s *SQLDB) TakeAuthCookie(ctx context.Context, cookie uint64) (bool, error) {
	var found bool
	err := s.serializable(ctx, func(tx pgx.Tx) error {
		found = false
		if err := gcAuthCookies(ctx, tx); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM auth_cookies WHERE cookie = $1`, int64(cookie))
		if err != nil {
			return err
		}
		found = tag.RowsAffected() > 0
		return nil
	})
	return found, errors.Wrap(err, "taking auth cookie")
}

func gcAuthCookies(ctx context.Context, tx pgx.Tx) error {
	cutoff := time.Now().Add(-authCookieTTL).Unix()
	_, err := tx.Exec(ctx, `DELETE FROM auth_cookies WHERE timestamp < $1`, cutoff)
	return err
}

var _ DB = (*SQLDB)(nil)
