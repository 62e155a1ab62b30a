package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrame bounds the body size a reader accepts. Image buffers for a
// deck key are small; anything past this is a corrupt or hostile peer.
const DefaultMaxFrame = 1 << 20

const prefixLen = 4

// ProtocolError marks a recoverable wire fault: a malformed frame, an
// unknown type tag, or an oversized length prefix. The offending frame is
// dropped; the channel itself stays usable unless faults keep repeating.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Reader decodes frames from a byte stream. It buffers bytes across reads,
// so a frame may arrive split over any number of channel reads and a single
// read may carry more than one frame.
type Reader struct {
	r        io.Reader
	buf      []byte
	maxFrame int
}

// NewReader wraps r with an empty frame buffer.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame overrides the maximum accepted body size.
func (r *Reader) SetMaxFrame(n int) { r.maxFrame = n }

// ReadMessage returns the next decoded message and its envelope id. Errors
// from the underlying reader (including read-deadline timeouts) are returned
// as-is with buffered bytes preserved, so the caller can retry.
func (r *Reader) ReadMessage() (uint64, Message, error) {
	body, err := r.nextFrame()
	if err != nil {
		return 0, nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return 0, nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}

	msg, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return env.ID, nil, err
	}
	return env.ID, msg, nil
}

// nextFrame blocks until a full frame is buffered, then consumes and returns
// its body. A zero or oversized length prefix poisons the buffer: there is no
// way to resynchronize mid-stream, so the buffered bytes are discarded.
func (r *Reader) nextFrame() ([]byte, error) {
	for {
		if len(r.buf) >= prefixLen {
			size := int(binary.BigEndian.Uint32(r.buf[:prefixLen]))
			if size == 0 {
				r.buf = nil
				return nil, &ProtocolError{Reason: "zero-length frame"}
			}
			if size > r.maxFrame {
				r.buf = nil
				return nil, &ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", size, r.maxFrame)}
			}
			if len(r.buf) >= prefixLen+size {
				body := make([]byte, size)
				copy(body, r.buf[prefixLen:prefixLen+size])
				r.buf = r.buf[prefixLen+size:]
				return body, nil
			}
		}

		chunk := make([]byte, 4096)
		n, err := r.r.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 {
				continue // Re-check the buffer before surfacing the error
			}
			return nil, err
		}
	}
}

// Writer encodes messages onto a byte stream. It is safe for concurrent use
// and assigns monotonically increasing envelope ids.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	nextID uint64
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage frames and sends one message, returning the envelope id
// assigned to it.
func (w *Writer) WriteMessage(msg Message) (uint64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	env := envelope{ID: w.nextID, Type: msg.Kind(), Payload: payload}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal %s envelope: %w", msg.Kind(), err)
	}

	frame := make([]byte, prefixLen+len(body))
	binary.BigEndian.PutUint32(frame[:prefixLen], uint32(len(body)))
	copy(frame[prefixLen:], body)

	if _, err := w.w.Write(frame); err != nil {
		return 0, fmt.Errorf("write %s frame: %w", msg.Kind(), err)
	}
	return w.nextID, nil
}
