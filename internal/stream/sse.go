package stream

import (
	"bufio"
	"bytes"
	"io"
)

// event is one upstream server-sent event.
type event struct {
	name string
	data []byte
}

// eventReader splits an upstream SSE body into events. Data lines of one
// event are joined with "\n"; comment lines and unknown fields are skipped.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next event that carries data. It returns io.EOF once the
// body is exhausted; an event cut off by EOF is still returned first.
func (er *eventReader) Next() (event, error) {
	var ev event
	var data [][]byte
	for {
		line, err := er.r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if len(data) > 0 {
				ev.data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			if err != nil {
				return event{}, err
			}
			ev = event{}
			continue
		}

		switch {
		case line[0] == ':':
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		case bytes.HasPrefix(line, []byte("event:")):
			ev.name = string(bytes.TrimSpace(line[len("event:"):]))
		}

		if err != nil {
			if len(data) > 0 {
				ev.data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return event{}, err
		}
	}
}

func isDone(data []byte) bool {
	return bytes.Equal(data, []byte("[DONE]"))
}
