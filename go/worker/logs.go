package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/near/nayduck/go/db"
)

// inlineLogLimit is the largest file stored inline in the logs table;
// anything bigger goes to the blob store and only its URL is recorded.
const inlineLogLimit = 10 << 10

// backtracePattern marks a log as carrying a stack trace.
const backtracePattern = "stack backtrace:"

// failPatterns in stderr force a FAILED classification even on exit 0;
// pytest drivers lose track of crashed subprocesses.
var failPatterns = []string{backtracePattern}

// collectLogs turns every file in the output directory into a log row.
// Small files are inlined gzip-framed; large files are uploaded
// concurrently. A failed file is skipped, the rest still make it.
func (w *Worker) collectLogs(ctx context.Context, testID int64, dir string) ([]db.Log, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "listing output directory")
	}
	var logs []db.Log
	var uploads []int
	var merr *multierror.Error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "inspecting %s", entry.Name()))
			continue
		}
		l := db.Log{TestID: testID, Type: entry.Name(), Size: info.Size()}
		p := filepath.Join(dir, entry.Name())
		if info.Size() <= inlineLogLimit {
			data, err := os.ReadFile(p)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "reading %s", entry.Name()))
				continue
			}
			l.StackTrace = bytes.Contains(data, []byte(backtracePattern))
			if l.Data, err = gzipBytes(data); err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "compressing %s", entry.Name()))
				continue
			}
		} else {
			found, err := scanFile(p, backtracePattern)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "scanning %s", entry.Name()))
				continue
			}
			l.StackTrace = found
			uploads = append(uploads, len(logs))
		}
		logs = append(logs, l)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range uploads {
		idx := idx
		g.Go(func() error {
			url, err := w.upload(gctx, testID, filepath.Join(dir, logs[idx].Type))
			if err != nil {
				return errors.Wrapf(err, "uploading %s", logs[idx].Type)
			}
			logs[idx].Storage = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return logs, merr.ErrorOrNil()
}

// upload streams the gzip-compressed file to the blob store.
func (w *Worker) upload(ctx context.Context, testID int64, p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, f)
		if err == nil {
			err = gz.Close()
		}
		pw.CloseWithError(err)
	}()
	return w.uploader.Upload(ctx, fmt.Sprintf("logs/%d/%s", testID, filepath.Base(p)), pr)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// scanFile reports whether the file contains pattern, without loading it
// into memory at once.
func scanFile(p, pattern string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, 64<<10)
	keep := 0
	for {
		n, err := f.Read(buf[keep:])
		if n > 0 {
			if bytes.Contains(buf[:keep+n], []byte(pattern)) {
				return true, nil
			}
			// Keep a pattern-sized tail so matches across read
			// boundaries are not missed.
			k := len(pattern) - 1
			if keep+n < k {
				k = keep + n
			}
			copy(buf, buf[keep+n-k:keep+n])
			keep = k
		}
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}
