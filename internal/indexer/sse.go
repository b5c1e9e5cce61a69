package indexer

import (
	"bufio"
	"io"
	"strings"
)

const maxEventStreamLine = 64 << 20

// readEventStream calls fn with the data of every server-sent event in r.
// Multi-line data is joined with newlines. Comments and other fields are
// ignored. An event cut off by EOF is still delivered.
func readEventStream(r io.Reader, fn func(data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxEventStreamLine)

	var data []string
	flush := func() {
		if len(data) > 0 {
			fn(strings.Join(data, "\n"))
			data = data[:0]
		}
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			data = append(data, value)
		}
	}
	flush()
	return scanner.Err()
}
