package provider

import (
	"bufio"
	"io"
	"strings"
)

// ScanEvents walks a server-sent event stream and calls fn for every data
// line with the most recent event name. It stops at "[DONE]", at EOF, or
// when fn returns an error.
func ScanEvents(r io.Reader, fn func(event, data string) error) error {
	reader := bufio.NewReader(r)
	var currentEvent string

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		eof := err == io.EOF

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			// blank line terminates an event
			currentEvent = ""
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			if err := fn(currentEvent, data); err != nil {
				return err
			}
		}

		if eof {
			return nil
		}
	}
}
