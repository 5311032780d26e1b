// Package builder implements the build daemon. It claims pending builds,
// checks out the requested commit, compiles it, publishes the artifacts
// under <workdir>/builds/<build_id>/ for workers to fetch, and reports
// the outcome. It also garbage-collects artifacts when disk runs low.
package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/repo"
)

const (
	// lowDiskWatermark triggers artifact garbage collection.
	lowDiskWatermark = 50 << 30
	// claimIdleDelay is how long to sleep when no build is pending.
	claimIdleDelay = 10 * time.Second
	// diskRetryDelay is how long to sleep when garbage collection could
	// not free enough space.
	diskRetryDelay = 5 * time.Second
	// outputLimit bounds the captured build output kept in memory; only
	// the tail survives.
	outputLimit = 256 << 10
)

// Output is the captured build output.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// Builder is the build daemon.
type Builder struct {
	db      db.DB
	mirror  *repo.Mirror
	workdir string
	ip      uint32

	// freeDisk and build are overridable in tests.
	freeDisk func(path string) (uint64, error)
	build    func(ctx context.Context, claimed *db.ClaimedBuild, checkout string, out *Output) error
}

// New returns a Builder identified by the given encoded IPv4, working
// out of workdir.
func New(d db.DB, mirror *repo.Mirror, workdir string, ip uint32) *Builder {
	b := &Builder{
		db:       d,
		mirror:   mirror,
		workdir:  workdir,
		ip:       ip,
		freeDisk: freeDiskBytes,
	}
	b.build = b.cargoBuild
	return b
}

// BuildDir is where the artifacts of a build are published. Workers
// assume this layout when fetching from the builder host.
func (b *Builder) BuildDir(buildID int64) string {
	return filepath.Join(b.workdir, "builds", fmt.Sprint(buildID))
}

func (b *Builder) checkoutDir() string {
	return filepath.Join(b.workdir, "nearcore")
}

// Run is the daemon main loop. It recovers builds owned by a previous
// incarnation on this host, then claims and processes builds until the
// context is cancelled.
func (b *Builder) Run(ctx context.Context) error {
	if err := b.db.ResetBuilds(ctx, b.ip); err != nil {
		return errors.Wrap(err, "recovering builds from previous run")
	}
	for ctx.Err() == nil {
		if err := b.EnsureDiskSpace(ctx); err != nil {
			return err
		}
		claimed, err := b.db.ClaimBuild(ctx, b.ip)
		if err != nil {
			glog.Errorf("Claiming build: %s", err)
			sleep(ctx, claimIdleDelay)
			continue
		}
		if claimed == nil {
			sleep(ctx, claimIdleDelay)
			continue
		}
		b.Process(ctx, claimed)
	}
	return ctx.Err()
}

// Process runs one claimed build through checkout, compilation,
// publishing and reporting.
func (b *Builder) Process(ctx context.Context, claimed *db.ClaimedBuild) {
	glog.Infof("Building %d (sha %s, release=%t, features=%q, expensive=%t)",
		claimed.ID, claimed.SHA, claimed.IsRelease, claimed.Features, claimed.Expensive)
	out := &Output{}
	err := b.runBuild(ctx, claimed, out)
	if err != nil {
		glog.Warningf("Build %d failed: %s", claimed.ID, err)
		// The error text goes where users look for compiler output.
		out.Stderr = append(out.Stderr, []byte("\n"+err.Error()+"\n")...)
	}
	if reportErr := b.db.BuildFinished(ctx, claimed.ID, err == nil, out.Stdout, out.Stderr); reportErr != nil {
		glog.Errorf("Reporting build %d: %s", claimed.ID, reportErr)
	}
}

func (b *Builder) runBuild(ctx context.Context, claimed *db.ClaimedBuild, out *Output) error {
	if err := b.mirror.Update(ctx); err != nil {
		return errors.Wrap(err, "updating mirror")
	}
	checkout, err := b.mirror.CheckoutInto(ctx, b.checkoutDir())
	if err != nil {
		return errors.Wrap(err, "creating checkout")
	}
	if err := checkout.CheckoutCommit(ctx, claimed.SHA); err != nil {
		return errors.Wrapf(err, "checking out %s", claimed.SHA)
	}
	if err := b.build(ctx, claimed, checkout.Dir(), out); err != nil {
		return err
	}
	if err := b.publish(claimed, checkout.Dir()); err != nil {
		return errors.Wrap(err, "publishing artifacts")
	}
	return nil
}

// EnsureDiskSpace blocks until the workdir volume has at least the
// low-water mark free, deleting artifacts of builds nothing depends on
// anymore, then build scratch space, then waiting for space to appear.
func (b *Builder) EnsureDiskSpace(ctx context.Context) error {
	for ctx.Err() == nil {
		free, err := b.freeDisk(b.workdir)
		if err != nil {
			return errors.Wrap(err, "checking free disk space")
		}
		if free >= lowDiskWatermark {
			return nil
		}
		glog.Warningf("Low on disk: %d bytes free, collecting garbage", free)
		if err := b.CollectGarbage(ctx); err != nil {
			return err
		}
		free, err = b.freeDisk(b.workdir)
		if err != nil {
			return errors.Wrap(err, "checking free disk space")
		}
		if free >= lowDiskWatermark {
			return nil
		}
		// Last resort: drop the incremental build cache.
		scratch := filepath.Join(b.checkoutDir(), "target")
		glog.Warningf("Still low on disk, removing %s", scratch)
		if err := os.RemoveAll(scratch); err != nil {
			return errors.Wrap(err, "removing build scratch directory")
		}
		free, err = b.freeDisk(b.workdir)
		if err != nil {
			return errors.Wrap(err, "checking free disk space")
		}
		if free >= lowDiskWatermark {
			return nil
		}
		sleep(ctx, diskRetryDelay)
	}
	return ctx.Err()
}

// CollectGarbage removes artifact directories of builds owned by this
// builder which no pending or running test depends on, and releases
// their ownership so skip-build tests remain the only consumers.
func (b *Builder) CollectGarbage(ctx context.Context) error {
	ids, err := b.db.IdleBuilds(ctx, b.ip)
	if err != nil {
		return errors.Wrap(err, "listing idle builds")
	}
	var removed []int64
	for _, id := range ids {
		dir := b.BuildDir(id)
		if err := os.RemoveAll(dir); err != nil {
			glog.Errorf("Removing %s: %s", dir, err)
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		glog.Infof("Removed artifacts of builds %v", removed)
		if err := b.db.UnassignBuilds(ctx, b.ip, removed); err != nil {
			return errors.Wrap(err, "unassigning builds")
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
