package emit

import (
	"context"
	"fmt"

	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/internal/fsutil"
)

// FileSink overwrites a file with the latest snapshot on every send. The
// file is replaced atomically, so readers never observe a partial write.
type FileSink struct {
	path   string
	format snapshot.Format
}

// NewFileSink writes indented JSON, or CBOR when format is FormatCBOR.
func NewFileSink(path string, format snapshot.Format) *FileSink {
	return &FileSink{path: path, format: format}
}

func (f *FileSink) Name() string { return "file:" + f.path }

func (f *FileSink) Path() string { return f.path }

func (f *FileSink) Send(ctx context.Context, s snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if f.format == snapshot.FormatCBOR {
		b, err = snapshot.EncodeCBOR(s)
	} else {
		b, err = snapshot.EncodeJSONIndent(s)
	}
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return fsutil.WriteFileAtomic(f.path, b)
}

var _ Sink = (*FileSink)(nil)
