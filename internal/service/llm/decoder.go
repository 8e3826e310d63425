package llm

import (
	"bytes"
	"strings"
)

// Decoder incrementally parses the framed streaming body produced by the
// inference service into discrete event payloads. Chunks may arrive at
// arbitrary boundaries; unconsumed bytes stay in the residual buffer, so
// a multi-byte character split across reads is never emitted partially.
type Decoder struct {
	buf []byte
}

// Feed appends one chunk of the byte stream and returns the payloads of
// every record completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)
	return d.drain()
}

// Flush terminates the stream: the residual buffer is treated as one
// final record even when the upstream never sent its separator. The
// decoder is reusable afterwards.
func (d *Decoder) Flush() []string {
	if len(d.buf) == 0 {
		return nil
	}
	events := d.Feed([]byte("\n\n"))
	d.buf = nil
	return events
}

func (d *Decoder) drain() []string {
	var events []string
	for {
		record, rest, ok := splitRecord(d.buf)
		if !ok {
			return events
		}
		d.buf = rest
		if payload, ok := parseRecord(record); ok {
			events = append(events, payload)
		}
	}
}

// splitRecord locates the first blank-line separator, treating \r\n and
// \n as equivalent line endings. A trailing \r is never consumed: it may
// pair with a \n arriving in the next chunk.
func splitRecord(buf []byte) (record, rest []byte, ok bool) {
	newlines := 0
	pairStart := -1
	for i := 0; i < len(buf); {
		width := 0
		switch buf[i] {
		case '\n':
			width = 1
		case '\r':
			if i+1 >= len(buf) {
				return nil, buf, false
			}
			if buf[i+1] != '\n' {
				newlines = 0
				i++
				continue
			}
			width = 2
		default:
			newlines = 0
			i++
			continue
		}
		if newlines == 0 {
			pairStart = i
		}
		newlines++
		if newlines == 2 {
			return buf[:pairStart], buf[i+width:], true
		}
		i += width
	}
	return nil, buf, false
}

// parseRecord extracts the event payload from one complete record: every
// data: line contributes, joined by newlines; records carrying no data
// line are discarded.
func parseRecord(record []byte) (string, bool) {
	normalized := bytes.ReplaceAll(record, []byte("\r\n"), []byte("\n"))
	var payload strings.Builder
	found := false
	for _, line := range strings.Split(string(normalized), "\n") {
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		rest = strings.TrimPrefix(rest, " ")
		if found {
			payload.WriteByte('\n')
		}
		payload.WriteString(rest)
		found = true
	}
	if !found {
		return "", false
	}
	return payload.String(), true
}
