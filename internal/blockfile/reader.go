// Package blockfile reads blocks out of the node's blk*.dat files and
// fans them through a worker pool into height order.
package blockfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/chain"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/clock"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/parser"
)

const (
	// preludeSize covers the magic and length fields ahead of each block
	// record.
	preludeSize = 8

	// maxBlockSize bounds a single block read.
	maxBlockSize = 8 << 20

	readRetries      = 5
	readRetryBackoff = 50 * time.Millisecond

	// handleCacheSize caps open files per worker.
	handleCacheSize = 4
)

// FileName returns the on-disk name of a numbered block file.
func FileName(file uint16) string {
	return fmt.Sprintf("blk%05d.dat", file)
}

// reader reads block records from one directory of blk files. Each worker
// owns its reader, so no locking is needed around the handle cache.
type reader struct {
	dir     string
	logger  *zap.Logger
	handles *handleCache
	onRetry func()
}

func newReader(dir string, logger *zap.Logger, onRetry func()) *reader {
	return &reader{
		dir:     dir,
		logger:  logger,
		handles: newHandleCache(handleCacheSize),
		onRetry: onRetry,
	}
}

func (r *reader) close() {
	r.handles.closeAll()
}

// readBlock reads and parses the block a plan entry points at. The entry
// offset addresses the block bytes; the record prelude sits just before
// it and is validated on every read. Transient errors retry with backoff.
func (r *reader) readBlock(ctx context.Context, entry model.PlanEntry) (*model.Block, error) {
	if entry.Offset < preludeSize {
		return nil, fmt.Errorf("offset %d inside file prelude", entry.Offset)
	}

	f, err := r.handles.get(filepath.Join(r.dir, FileName(entry.File)))
	if err != nil {
		return nil, err
	}

	var prelude [preludeSize]byte
	if err := r.readAt(ctx, f, prelude[:], int64(entry.Offset-preludeSize)); err != nil {
		return nil, err
	}
	if !bytes.Equal(prelude[:4], chain.Magic[:]) {
		return nil, fmt.Errorf("bad magic %x at %s:%d", prelude[:4], FileName(entry.File), entry.Offset)
	}
	length := binary.LittleEndian.Uint32(prelude[4:])
	if length == 0 || length > maxBlockSize {
		return nil, fmt.Errorf("implausible block length %d at %s:%d", length, FileName(entry.File), entry.Offset)
	}
	if entry.Length != 0 && entry.Length != length {
		return nil, fmt.Errorf("plan length %d disagrees with record length %d", entry.Length, length)
	}

	raw := make([]byte, length)
	if err := r.readAt(ctx, f, raw, int64(entry.Offset)); err != nil {
		return nil, err
	}
	return parser.ParseBlock(raw)
}

// readAt fills buf from offset, retrying transient failures.
func (r *reader) readAt(ctx context.Context, f *os.File, buf []byte, offset int64) error {
	var lastErr error
	backoff := readRetryBackoff
	for attempt := 0; attempt <= readRetries; attempt++ {
		if attempt > 0 {
			if r.onRetry != nil {
				r.onRetry()
			}
			if err := clock.SleepWithContext(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		_, err := f.ReadAt(buf, offset)
		if err == nil {
			return nil
		}
		if !transientIOError(err) {
			return fmt.Errorf("read %s at %d: %w", f.Name(), offset, err)
		}
		lastErr = err
		r.logger.Warn("transient read failure",
			zap.String("file", f.Name()),
			zap.Int64("offset", offset),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("read %s at %d after %d retries: %w", f.Name(), offset, readRetries, lastErr)
}

func transientIOError(err error) bool {
	return errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// handleCache is a tiny LRU of open files.
type handleCache struct {
	cap   int
	order []string
	files map[string]*os.File
}

func newHandleCache(capacity int) *handleCache {
	return &handleCache{cap: capacity, files: map[string]*os.File{}}
}

func (c *handleCache) get(path string) (*os.File, error) {
	if f, ok := c.files[path]; ok {
		c.touch(path)
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.files[oldest].Close()
		delete(c.files, oldest)
	}
	c.files[path] = f
	c.order = append(c.order, path)
	return f, nil
}

func (c *handleCache) touch(path string) {
	for i, p := range c.order {
		if p == path {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), path)
			return
		}
	}
}

func (c *handleCache) closeAll() {
	for _, f := range c.files {
		f.Close()
	}
	c.files = map[string]*os.File{}
	c.order = nil
}
