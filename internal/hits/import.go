package hits

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// importBatch is the number of files written per Put during an import.
const importBatch = 500

// maxLineBytes bounds one JSON line of an import.
const maxLineBytes = 4 << 20

// Import reads one JSON File per line from r into idx and returns the number
// of files written. Blank lines are skipped. A file without an ID takes its
// SHA256.
func Import(ctx context.Context, idx Index, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var (
		batch []*File
		total int
		line  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.Put(ctx, batch...); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		f := &File{}
		if err := json.Unmarshal([]byte(text), f); err != nil {
			return total, fmt.Errorf("line %d: %w", line, err)
		}
		if f.ID == "" {
			f.ID = f.SHA256
		}
		if f.ID == "" {
			return total, fmt.Errorf("line %d: file has neither id nor sha256", line)
		}
		batch = append(batch, f)
		if len(batch) == importBatch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, fmt.Errorf("read import: %w", err)
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}
