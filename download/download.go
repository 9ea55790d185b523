// Package download streams hub response bodies to disk.
//
// Handle writes to a temporary file alongside the destination and renames
// it into place on success. On every failure path, cancellation included,
// the partial file is removed; no handle and no partial result outlives
// the call.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelsec/sarifhub/transport"
)

var ErrLengthMismatch = errors.New("content length mismatch")

// Handle streams body to destPath. contentLength below zero skips the
// length check. When ctx is canceled mid-stream the returned error wraps
// [transport.ErrCanceled], regardless of how the aborted socket reported
// the teardown.
func Handle(ctx context.Context, body io.Reader, contentLength int64, destPath string, logger *slog.Logger, optFns ...Option) error {
	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return fmt.Errorf("applying download option: %w", err)
		}
	}

	body = &cancelReader{ctx: ctx, r: body}

	file, err := os.CreateTemp(filepath.Dir(destPath), ".sarifhub-dl-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var successful bool
	defer func() {
		if cerr := file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			logger.Error("defer closing temp file", "error", cerr)
		}
		if !successful {
			if rerr := os.Remove(file.Name()); rerr != nil {
				logger.Error("failed to remove partial file", "error", rerr)
			}
		}
	}()

	var writer io.Writer = file
	if opts.progress {
		writer = &progressWriter{
			w:         writer,
			logger:    logger,
			total:     contentLength,
			startTime: time.Now(),
		}
	}

	n, err := io.Copy(writer, body)
	if err != nil {
		// A canceled request usually also tears the socket down, so the
		// copy error may be a reset instead of context.Canceled. The
		// prior cancellation request takes precedence.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return fmt.Errorf("download: %w", transport.ErrCanceled)
		}

		return fmt.Errorf("copying response body: %w", err)
	}

	if contentLength >= 0 && n != contentLength {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrLengthMismatch, contentLength, n)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(file.Name(), destPath); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	successful = true

	return nil
}

// cancelReader fails the copy as soon as its context ends, without
// waiting for the next socket read to notice.
type cancelReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *cancelReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.r.Read(p)
}
