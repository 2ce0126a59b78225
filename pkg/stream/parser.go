package stream

import (
	"bufio"
	"io"
	"strings"
)

// Event is one parsed server-sent event.
type Event struct {
	// Name is the event channel ("message" when the stream omits it).
	Name string
	// Data is the concatenated data payload.
	Data []byte
	// ID is the last event id seen, if any.
	ID string
}

// DefaultEventName is the channel of unnamed events.
const DefaultEventName = "message"

// readEvents parses the SSE wire framing from r and invokes emit for every
// complete event. It returns the terminal read error (io.EOF on a clean end
// of stream). Comment lines and retry hints are ignored; multi-line data is
// joined with newlines per the framing rules.
func readEvents(r io.Reader, emit func(Event)) error {
	reader := bufio.NewReader(r)

	var (
		name    string
		dataBuf strings.Builder
		hasData bool
		lastID  string
	)
	flush := func() {
		// an empty data buffer aborts dispatch; the name buffer resets too
		if !hasData {
			name = ""
			return
		}
		ev := Event{Name: name, Data: []byte(dataBuf.String()), ID: lastID}
		if ev.Name == "" {
			ev.Name = DefaultEventName
		}
		emit(ev)
		name = ""
		dataBuf.Reset()
		hasData = false
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(value)
			hasData = true
		case "id":
			lastID = value
		case "retry":
			// server-suggested reconnect delay; the retry policy is the
			// single source of truth, so the hint is dropped
		}
	}
}
