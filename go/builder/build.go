package builder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/exec"
)

// executables published for every build; workers expect exactly these
// names under builds/<id>/target/.
var targetBinaries = []string{"neard", "genesis-populate", "restaked"}

// testContractsDir holds the wasm blobs bundled with every build.
const testContractsDir = "runtime/near-test-contracts/res"

// cargoBuild compiles the checkout. The concrete command lines are
// opaque templates of the upstream project; the daemon only cares about
// exit status and captured output.
func (b *Builder) cargoBuild(ctx context.Context, claimed *db.ClaimedBuild, checkout string, out *Output) error {
	stdout := newTailWriter(outputLimit)
	stderr := newTailWriter(outputLimit)
	defer func() {
		out.Stdout = stdout.Bytes()
		out.Stderr = stderr.Bytes()
	}()

	args := []string{"build", "-p", "neard", "-p", "genesis-populate", "-p", "restaked"}
	if claimed.IsRelease {
		args = append(args, "--release")
	}
	if claimed.Features != "" {
		args = append(args, "--features", claimed.Features)
	}
	if err := runCargo(ctx, checkout, args, stdout, stderr); err != nil {
		return err
	}

	if claimed.Expensive {
		features := "expensive_tests"
		if claimed.Features != "" {
			features += "," + claimed.Features
		}
		args = []string{"test", "--no-run", "-p", "nearcore", "--features", features}
		if claimed.IsRelease {
			args = append(args, "--release")
		}
		if err := runCargo(ctx, checkout, args, stdout, stderr); err != nil {
			return err
		}
	}
	return nil
}

func runCargo(ctx context.Context, dir string, args []string, stdout, stderr io.Writer) error {
	res, err := exec.Run(ctx, &exec.Command{
		Name:   "cargo",
		Args:   args,
		Dir:    dir,
		Env:    []string{"CARGO_TERM_COLOR=never"},
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("cargo %s exited with %d", args[0], res.ExitCode)
	}
	return nil
}

// publish hard-links the build products into the per-build artifact
// directory in one pass; workers never observe a partly populated build
// because the terminal status is only written afterwards.
func (b *Builder) publish(claimed *db.ClaimedBuild, checkout string) error {
	profile := "debug"
	if claimed.IsRelease {
		profile = "release"
	}
	buildDir := b.BuildDir(claimed.ID)
	if err := os.RemoveAll(buildDir); err != nil {
		return errors.Wrap(err, "clearing artifact directory")
	}

	targetDir := filepath.Join(buildDir, "target")
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return errors.Wrap(err, "creating artifact directory")
	}
	for _, name := range targetBinaries {
		src := filepath.Join(checkout, "target", profile, name)
		if err := linkOrCopy(src, filepath.Join(targetDir, name)); err != nil {
			return errors.Wrapf(err, "publishing %s", name)
		}
	}

	contractsDir := filepath.Join(buildDir, "near-test-contracts")
	if err := os.MkdirAll(contractsDir, 0o755); err != nil {
		return errors.Wrap(err, "creating contracts directory")
	}
	wasm, err := filepath.Glob(filepath.Join(checkout, testContractsDir, "*.wasm"))
	if err != nil {
		return errors.Wrap(err, "listing test contracts")
	}
	for _, src := range wasm {
		if err := linkOrCopy(src, filepath.Join(contractsDir, filepath.Base(src))); err != nil {
			return errors.Wrapf(err, "publishing %s", filepath.Base(src))
		}
	}

	if claimed.Expensive {
		if err := publishExpensive(filepath.Join(checkout, "target", profile, "deps"),
			filepath.Join(buildDir, "expensive")); err != nil {
			return err
		}
	}
	return nil
}

// publishExpensive links the pre-built test executables, stripping the
// metadata hash cargo appends, so workers can address them by test name.
func publishExpensive(depsDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return errors.Wrap(err, "creating expensive directory")
	}
	entries, err := os.ReadDir(depsDir)
	if err != nil {
		return errors.Wrap(err, "listing test executables")
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return errors.Wrap(err, "inspecting test executable")
		}
		name := entry.Name()
		if info.Mode()&0o111 == 0 || strings.ContainsRune(name, '.') {
			continue
		}
		if err := linkOrCopy(filepath.Join(depsDir, name),
			filepath.Join(dstDir, stripBuildHash(name))); err != nil {
			return errors.Wrapf(err, "publishing %s", name)
		}
	}
	return nil
}

// stripBuildHash turns "test_tps-0123abcd4567ef89" into "test_tps".
func stripBuildHash(name string) string {
	idx := strings.LastIndexByte(name, '-')
	if idx <= 0 {
		return name
	}
	suffix := name[idx+1:]
	for _, r := range suffix {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return name
		}
	}
	return name[:idx]
}

// linkOrCopy hard-links src to dst, copying when linking is not possible
// (e.g. across filesystems).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	max int
	buf []byte
}

func newTailWriter(max int) *tailWriter {
	return &tailWriter{max: max}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = w.buf[len(w.buf)-w.max:]
	}
	return len(p), nil
}

// Bytes returns the retained tail.
func (w *tailWriter) Bytes() []byte {
	return w.buf
}
