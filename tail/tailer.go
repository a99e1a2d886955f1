package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/slackmgr/types"
)

// Tailer hands out the lines appended to a file since the last time it was
// read. The read position survives restarts through a CursorStore.
type Tailer struct {
	path   string
	store  CursorStore
	logger types.Logger
}

func NewTailer(path string, store CursorStore, opts ...Option) *Tailer {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if store == nil {
		store = NewMemoryStore()
	}

	return &Tailer{
		path:   path,
		store:  store,
		logger: o.logger.WithField("path", path),
	}
}

func (t *Tailer) Path() string {
	return t.path
}

// Lines yields every complete line written since the saved cursor, without
// its line terminator. A trailing line with no newline yet is left for a
// later call. If the file has shrunk below the cursor it is read again from
// the start.
//
// The cursor moves past a line once the consumer asks for the next one.
// Breaking out of the loop leaves the current line to be read again by the
// next call. Errors are yielded once and end the sequence.
func (t *Tailer) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cur, err := t.store.Load(ctx, t.path)
		if err != nil {
			yield("", fmt.Errorf("failed to load cursor for %s: %w", t.path, err))
			return
		}

		f, err := os.Open(t.path)
		if err != nil {
			yield("", fmt.Errorf("failed to open %s: %w", t.path, err))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			yield("", fmt.Errorf("failed to stat %s: %w", t.path, err))
			return
		}

		size := info.Size()

		if size < cur.Offset {
			t.logger.WithFields(map[string]any{
				"offset": cur.Offset,
				"size":   size,
			}).Info("File truncated, reading from the start")

			cur = Cursor{}
		}

		cur.Size = size

		if _, err := f.Seek(cur.Offset, io.SeekStart); err != nil {
			yield("", fmt.Errorf("failed to seek %s: %w", t.path, err))
			return
		}

		r := bufio.NewReader(f)

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			line, err := r.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield("", fmt.Errorf("failed to read %s: %w", t.path, err))
				}

				return
			}

			cur.Offset += int64(len(line))
			cur.Size = max(cur.Size, cur.Offset)

			if !yield(strings.TrimRight(line, "\r\n"), nil) {
				return
			}

			if err := t.store.Save(context.WithoutCancel(ctx), t.path, cur); err != nil {
				yield("", fmt.Errorf("failed to save cursor for %s: %w", t.path, err))

				return
			}
		}
	}
}
