package codex

import (
	"bufio"
	"bytes"
	"io"
)

var doneMarker = []byte("[DONE]")

// scanEvents reads an SSE stream and invokes fn once per complete event with
// the joined data payload. A [DONE] sentinel invokes fn with the marker
// itself so callers can react to it. fn returning stop=true ends the scan
// early without error.
func scanEvents(r io.Reader, fn func(raw []byte) (stop bool, err error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var dataLines [][]byte
	flush := func() (bool, error) {
		if len(dataLines) == 0 {
			return false, nil
		}
		raw := bytes.Join(dataLines, []byte("\n"))
		dataLines = dataLines[:0]
		return fn(raw)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		// Blank line terminates the current event.
		if len(bytes.TrimSpace(line)) == 0 {
			if stop, err := flush(); err != nil || stop {
				return err
			}
			continue
		}
		// Ignore comment lines.
		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			payload := bytes.TrimPrefix(line, []byte("data:"))
			// SSE spec allows an optional single space after the colon.
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			dataLines = append(dataLines, cp)
		}
		// Other fields (event:, id:, retry:) are ignored.
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// Flush a trailing event that had no terminating blank line.
	_, err := flush()
	return err
}

func writeSSE(w io.Writer, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}
