package worker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/exec"
	"github.com/near/nayduck/go/netutil"
	"github.com/near/nayduck/go/testspec"
)

const scpTimeout = 10 * time.Minute

// scpFetch copies the build artifacts from the owning builder. Builders
// and workers share the workdir path convention, so the remote layout is
// <workdir>/builds/<build_id>/ exactly as the builder published it.
// Target binaries and bundled contracts land where the test scripts
// expect them inside the checkout; expensive test executables get their
// own directory.
func (w *Worker) scpFetch(ctx context.Context, claimed *db.ClaimedTest, spec *testspec.TestSpec, checkout string) error {
	host := netutil.IntToIPv4(claimed.BuilderIP).String()
	remote := path.Join(w.workdir, "builds", fmt.Sprint(claimed.BuildID))
	profile := "debug"
	if spec.IsRelease {
		profile = "release"
	}
	copies := []struct{ src, dst string }{
		{"target", filepath.Join(checkout, "target", profile)},
		{"near-test-contracts", filepath.Join(checkout, "runtime", "near-test-contracts", "res")},
	}
	if spec.Category == testspec.CategoryExpensive {
		if err := os.RemoveAll(w.expensiveDir()); err != nil {
			return errors.Wrap(err, "clearing stale test executables")
		}
		copies = append(copies, struct{ src, dst string }{"expensive", w.expensiveDir()})
	}
	for _, c := range copies {
		if err := os.MkdirAll(c.dst, 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", c.dst)
		}
		if err := scp(ctx, host+":"+path.Join(remote, c.src)+"/.", c.dst); err != nil {
			return errors.Wrapf(err, "fetching %s from %s", c.src, host)
		}
	}
	return nil
}

func scp(ctx context.Context, src, dst string) error {
	res, err := exec.Run(ctx, &exec.Command{
		Name:    "scp",
		Args:    []string{"-rpB", "-o", "StrictHostKeyChecking=no", src, dst},
		Timeout: scpTimeout,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("scp exited with %d", res.ExitCode)
	}
	return nil
}
