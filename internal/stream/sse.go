package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one Server-Sent Event.
type Event struct {
	// Type is the "event:" field; empty means the default "message" type.
	Type string
	Data string
	ID   string
}

// Scanner reads Server-Sent Events from a response body.
//
// Events end at a blank line. "data:" lines are joined with newlines,
// comment lines (starting with ":") and unknown fields are ignored.
type Scanner struct {
	reader  *bufio.Reader
	current Event
	lastID  string
	retry   time.Duration
	err     error
}

// NewScanner creates a scanner over r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next event. It returns false at the end of the
// stream or on error; Err tells them apart.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	var (
		data    []string
		hasData bool
		ev      Event
	)
	emit := func() {
		ev.Data = strings.Join(data, "\n")
		ev.ID = s.lastID
		s.current = ev
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			s.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			ev = Event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				s.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// Event returns the event read by the last successful Next.
func (s *Scanner) Event() Event { return s.current }

// LastEventID returns the last "id:" seen, for resuming the stream.
func (s *Scanner) LastEventID() string { return s.lastID }

// Retry returns the reconnect delay last announced by the server, or zero.
func (s *Scanner) Retry() time.Duration { return s.retry }

// Err returns the read error that ended the stream, or nil on clean EOF.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
