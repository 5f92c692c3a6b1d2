// Package recorder writes terminal sessions to Asciinema v2 cast files.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Header is the first line of an Asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line after the header: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	Type       string // "o" for output, "i" for input
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.TimeOffset, e.Type, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []interface{}
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	var ok bool
	if e.TimeOffset, ok = arr[0].(float64); !ok {
		return fmt.Errorf("invalid time offset type")
	}
	if e.Type, ok = arr[1].(string); !ok {
		return fmt.Errorf("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return fmt.Errorf("invalid event data type")
	}
	return nil
}

// Cast records one bridge generation. It implements session.Recording.
type Cast struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	startTime time.Time
	closed    bool
}

// NewCast writes header to w and returns a Cast appending events after it.
// If w is an io.Closer, Close closes it.
func NewCast(w io.Writer, header Header) (*Cast, error) {
	c := &Cast{w: w, startTime: time.Now()}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}

	header.Version = 2
	if header.Timestamp == 0 {
		header.Timestamp = c.startTime.Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return c, nil
}

// WriteOutput appends an output event.
func (c *Cast) WriteOutput(data []byte) error {
	return c.writeEvent("o", data)
}

// WriteInput appends an input event.
func (c *Cast) WriteInput(data []byte) error {
	return c.writeEvent("i", data)
}

func (c *Cast) writeEvent(eventType string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return io.ErrClosedPipe
	}

	// Invalid UTF-8 is replaced with U+FFFD by the JSON encoder.
	line, err := json.Marshal(Event{
		TimeOffset: time.Since(c.startTime).Seconds(),
		Type:       eventType,
		Data:       string(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close stops the recording. Later writes fail.
func (c *Cast) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
