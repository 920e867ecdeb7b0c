// Package compression compresses a finished dump file in place: file.sql
// becomes file.sql.gz (or .zst). The compressed file appears atomically and the
// source is only removed once it is complete.
package compression

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-dbbackup/pkg/plog"
)

const bufferSize = 256 * 1024

// Plan configures a compression step.
type Plan struct {
	Format Format
	Level  Level
	// KeepSource leaves the uncompressed file in place after success.
	KeepSource bool
}

// Result reports the compressed file.
type Result struct {
	Path         string
	BytesRead    int64
	BytesWritten int64
}

// TargetPath returns where CompressFile writes for srcPath.
func TargetPath(srcPath string, format Format) string {
	return srcPath + format.Ext()
}

// CompressFile compresses srcPath into TargetPath(srcPath, plan.Format).
// An existing target is replaced. On failure the source is untouched and no
// partial target is left behind.
func CompressFile(ctx context.Context, srcPath string, plan Plan) (res Result, retErr error) {
	res.Path = TargetPath(srcPath, plan.Format)

	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("failed to open %s for compression: %w", srcPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(res.Path), ".pgl-dbbackup-*.tmp")
	if err != nil {
		return res, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	cw := &countingWriter{w: tmp}
	cr := &ctxReader{ctx: ctx, r: src}
	if err := encode(cw, cr, plan); err != nil {
		return res, err
	}
	res.BytesRead = cr.n
	res.BytesWritten = cw.n

	if err := tmp.Sync(); err != nil {
		return res, fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("failed to close temp file: %w", err)
	}
	if info, err := src.Stat(); err == nil {
		// CreateTemp uses 0600, the dump keeps whatever mode it was created with.
		os.Chmod(tmpName, info.Mode().Perm())
	}
	if err := os.Rename(tmpName, res.Path); err != nil {
		return res, fmt.Errorf("failed to rename temp file to %s: %w", res.Path, err)
	}

	if !plan.KeepSource {
		src.Close()
		if err := os.Remove(srcPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			plog.Warn("Failed to remove uncompressed dump", "path", srcPath, "error", err)
		}
	}
	plog.Debug("Compressed dump", "path", res.Path, "format", plan.Format, "level", plan.Level, "in", res.BytesRead, "out", res.BytesWritten)
	return res, nil
}

func encode(dst io.Writer, src io.Reader, plan Plan) (retErr error) {
	bufWriter := bufio.NewWriterSize(dst, bufferSize)

	var compressedWriter io.WriteCloser
	switch plan.Format {
	case Zstd:
		zw, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(plan.Level.zstdLevel()))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		compressedWriter = zw
	default:
		gw, err := pgzip.NewWriterLevel(bufWriter, plan.Level.gzipLevel())
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		compressedWriter = gw
	}

	defer func() {
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(compressedWriter, src, buf); err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}
	return nil
}

// OpenReader opens a compressed file produced by CompressFile for reading.
func OpenReader(path string, format Format) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case Zstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return &readCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	default:
		gr, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return &readCloser{Reader: gr, close: func() error { gr.Close(); return f.Close() }}, nil
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ctxReader stops a long copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
