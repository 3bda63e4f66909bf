// Package sse writes and reads text/event-stream bodies whose events carry a
// single JSON document in their data field.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Writer frames values as `data: <json>\n\n` and flushes after each event.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter sends the event-stream headers and a 200 status.
func NewWriter(w http.ResponseWriter) *Writer {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &Writer{w: w, rc: http.NewResponseController(w)}
	s.rc.Flush()
	return s
}

// SetWriteDeadline moves the connection write deadline. Servers with a
// WriteTimeout need this for streams that outlive it.
func (s *Writer) SetWriteDeadline(d time.Time) error {
	err := s.rc.SetWriteDeadline(d)
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

// Send writes one event. A returned error means the client is gone.
func (s *Writer) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(payload) + 8)
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flushing event: %w", err)
	}
	return nil
}

// Reader splits an event stream into events. Reads may return partial
// events; Reader keeps the remainder buffered until the terminating blank
// line arrives.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the data of the next event, joining multiple data lines with
// "\n". Comment lines and other fields are ignored. io.EOF is returned when
// the stream ends; an incomplete trailing event is returned with
// io.ErrUnexpectedEOF.
func (r *Reader) Next() ([]byte, error) {
	var data [][]byte
	pending := false
	for {
		line, err := r.br.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if pending || len(bytes.TrimSpace(line)) > 0 {
					return nil, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) == 0 {
				pending = false
				continue
			}
			return bytes.Join(data, []byte("\n")), nil
		}
		if line[0] == ':' {
			continue
		}
		pending = true
		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			continue
		}
		data = append(data, bytes.TrimPrefix(value, []byte(" ")))
	}
}

// NextJSON decodes the next event into v.
func (r *Reader) NextJSON(v any) error {
	data, err := r.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding event %q: %w", data, err)
	}
	return nil
}
