package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const (
	pollInterval = 250 * time.Millisecond
	maxLineBytes = 1 << 20
)

// TailOptions selects the lines Tail returns.
type TailOptions struct {
	// Offset is the byte position to resume from. A negative offset returns
	// the last Limit lines instead.
	Offset int64
	Limit  int
	// Follow waits up to Wait for new lines when none are available.
	Follow bool
	Wait   time.Duration
	// Match keeps only lines containing the substring, e.g. an upload id.
	Match string
}

// TailResult carries the lines read and the offset to resume from.
type TailResult struct {
	Lines  []string
	Offset int64
}

// Tail reads the daemon log at path. A missing file yields an empty result.
func Tail(ctx context.Context, path string, opts TailOptions) (TailResult, error) {
	var (
		lines []string
		next  int64
		err   error
	)
	if opts.Offset < 0 {
		lines, next, err = lastLines(path, opts.Limit, opts.Match)
	} else {
		lines, next, err = readFrom(path, opts.Offset, opts.Match)
	}
	if err != nil {
		return TailResult{Offset: max(opts.Offset, 0)}, err
	}
	if len(lines) > 0 || !opts.Follow || opts.Wait <= 0 {
		return TailResult{Lines: lines, Offset: next}, nil
	}
	return follow(ctx, path, next, opts)
}

func follow(ctx context.Context, path string, offset int64, opts TailOptions) (TailResult, error) {
	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return TailResult{Offset: offset}, ctx.Err()
		case <-deadline.C:
			return TailResult{Offset: offset}, nil
		case <-ticker.C:
		}
		lines, next, err := readFrom(path, offset, opts.Match)
		if err != nil {
			return TailResult{Offset: offset}, err
		}
		offset = next
		if len(lines) > 0 {
			return TailResult{Lines: lines, Offset: offset}, nil
		}
	}
}

// lastLines returns up to limit trailing lines and the end-of-file offset.
// A non-positive limit only reports the offset.
func lastLines(path string, limit int, match string) ([]string, int64, error) {
	file, size, err := open(path)
	if err != nil || file == nil {
		return nil, 0, err
	}
	defer file.Close()
	if limit <= 0 {
		return nil, size, nil
	}

	var window []string
	err = scan(file, match, func(line string) {
		window = append(window, line)
		if len(window) > limit {
			window = window[1:]
		}
	})
	if err != nil {
		return nil, 0, err
	}
	end, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return window, end, nil
}

// readFrom returns every line after offset. A truncated or rotated file
// restarts from the beginning.
func readFrom(path string, offset int64, match string) ([]string, int64, error) {
	file, size, err := open(path)
	if err != nil || file == nil {
		return nil, 0, err
	}
	defer file.Close()
	if offset > size {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("seek log file: %w", err)
	}

	var lines []string
	if err := scan(file, match, func(line string) { lines = append(lines, line) }); err != nil {
		return nil, 0, err
	}
	end, err := file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, 0, fmt.Errorf("determine log offset: %w", err)
	}
	return lines, end, nil
}

func open(path string) (*os.File, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat log file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("log path %q is a directory", path)
	}
	return file, info.Size(), nil
}

func scan(r io.Reader, match string, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if match != "" && !strings.Contains(line, match) {
			continue
		}
		emit(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log file: %w", err)
	}
	return nil
}
