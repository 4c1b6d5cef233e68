package datasource

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// serverSentEvent is one dispatched event from a text/event-stream response.
type serverSentEvent struct {
	Name string
	Data []byte
}

// eventStreamReader parses the text/event-stream wire format: "event:" and
// "data:" fields accumulated until a blank line dispatches the event. Only
// the subset the flag service uses is handled; "id" and "retry" fields and
// comment lines are skipped.
type eventStreamReader struct {
	scanner *bufio.Scanner
}

// maxEventSize bounds a single line of stream data. Full data sets arrive as
// one "put" event, so this has to accommodate an entire environment.
const maxEventSize = 16 * 1024 * 1024

func newEventStreamReader(r io.Reader) *eventStreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	return &eventStreamReader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns io.EOF when
// the stream ends cleanly and the underlying read error otherwise.
func (r *eventStreamReader) Next() (serverSentEvent, error) {
	var event serverSentEvent
	var data bytes.Buffer
	haveData := false

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if haveData {
				event.Data = data.Bytes()
				if event.Name == "" {
					event.Name = "message"
				}
				return event, nil
			}
			// Blank line with no pending data: keep-alive, skip.
			event = serverSentEvent{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Name = value
		case "data":
			if haveData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			haveData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return serverSentEvent{}, err
	}
	return serverSentEvent{}, io.EOF
}
