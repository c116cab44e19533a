// Package logtail follows a game server's live log: it caches boot output
// until a consumer attaches, detects the startup-completion marker, and
// streams new lines to a consumer under a per-consumer rate limit.
package logtail

import (
	"bufio"
	"io"
	"os"
	"strings"
	"unicode"
)

// scanLines calls fn for every complete line in path starting at offset
// and returns the offset just past the last line consumed. A trailing
// partial line is left for the next call. fn returning false stops the
// scan after that line.
//
// When the file is shorter than offset it was replaced (the server rotates
// latest.log on restart) and reading starts over from the beginning.
func scanLines(path string, offset int64, fn func(line string) bool) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return offset, err
		}
	}

	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return pos, err
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			// incomplete line, picked up once the writer finishes it
			return pos, nil
		}
		pos += int64(len(line))
		if !fn(cleanLine(line)) {
			return pos, nil
		}
	}
}

// endOffset returns the current size of path.
func endOffset(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// cleanLine drops invalid UTF-8 and trailing whitespace.
func cleanLine(line string) string {
	return strings.TrimRightFunc(strings.ToValidUTF8(line, ""), unicode.IsSpace)
}
