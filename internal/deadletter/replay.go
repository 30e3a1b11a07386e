package deadletter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxLineBytes bounds a single log line. A record written through Log stays
// well below it even when every body byte needs escaping.
const maxLineBytes = 1024 * 1024

// Replay reads the log in order and hands every record to fn. Lines that are
// too long or do not decode, such as a write torn by a crash, are skipped and
// counted.
func Replay(path string, fn func(Record)) (skipped int, err error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil // No log yet, nothing dead-lettered
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open dead-letter log for replay: %w", err)
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, maxLineBytes)
	for {
		line, rerr := r.ReadSlice('\n')
		if errors.Is(rerr, bufio.ErrBufferFull) {
			skipped++
			for errors.Is(rerr, bufio.ErrBufferFull) {
				_, rerr = r.ReadSlice('\n')
			}
			if rerr == io.EOF {
				return skipped, nil
			}
			if rerr != nil {
				return skipped, fmt.Errorf("error reading dead-letter log: %w", rerr)
			}
			continue
		}
		if rerr != nil && rerr != io.EOF {
			return skipped, fmt.Errorf("error reading dead-letter log: %w", rerr)
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			var rec Record
			if json.Unmarshal(line, &rec) == nil {
				fn(rec)
			} else {
				skipped++
			}
		}
		if rerr == io.EOF {
			return skipped, nil
		}
	}
}

// Tail returns the last n readable records of the log, oldest first.
func Tail(path string, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	recs := make([]Record, 0, n)
	_, err := Replay(path, func(r Record) {
		if len(recs) == n {
			recs = append(recs[:0], recs[1:]...)
		}
		recs = append(recs, r)
	})
	return recs, err
}
