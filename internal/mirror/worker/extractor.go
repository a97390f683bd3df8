package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/treesync/treesync/internal/mirror/schema"
)

// Extraction is what an Extractor learned about one file.
type Extraction struct {
	// ContentHash identifies the content that was indexed.
	ContentHash string
	// Size is the number of bytes read.
	Size int64
}

// Extractor indexes the file behind a queue entry.
//
// Implementations read entry.FilePath. A returned error fails the entry and
// its message is stored on it; the entry can later be retried. A nil
// Extraction with a nil error completes the entry without a content hash.
type Extractor interface {
	Extract(ctx context.Context, entry *schema.QueueEntry) (*Extraction, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, entry *schema.QueueEntry) (*Extraction, error)

// Extract calls f(ctx, entry).
func (f ExtractorFunc) Extract(ctx context.Context, entry *schema.QueueEntry) (*Extraction, error) {
	return f(ctx, entry)
}

// ChecksumExtractor is the default Extractor. It streams the file through
// xxhash and records the 64-bit digest as the node's content hash.
type ChecksumExtractor struct {
	// MaxSize rejects files larger than this many bytes. 0 means no limit.
	MaxSize int64
}

// Extract implements Extractor.
func (c ChecksumExtractor) Extract(ctx context.Context, entry *schema.QueueEntry) (*Extraction, error) {
	f, err := os.Open(entry.FilePath)
	if err != nil {
		return nil, &schema.FilesystemError{Path: entry.FilePath, Op: "open", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &schema.FilesystemError{Path: entry.FilePath, Op: "stat", Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", entry.FilePath)
	}
	if c.MaxSize > 0 && info.Size() > c.MaxSize {
		return nil, fmt.Errorf("%s is %d bytes, over the %d byte limit", entry.FilePath, info.Size(), c.MaxSize)
	}

	h := xxhash.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		return nil, &schema.FilesystemError{Path: entry.FilePath, Op: "read", Err: err}
	}

	return &Extraction{
		ContentHash: "xxh64:" + strconv.FormatUint(h.Sum64(), 16),
		Size:        n,
	}, nil
}

// ctxReader stops a long read once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
