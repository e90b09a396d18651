package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultMaxFrameSize bounds a single line when the caller does not set one.
const DefaultMaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// Reader splits a byte stream into newline-terminated frames. Bytes that
// arrive without a delimiter stay buffered until the rest of the line does.
type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), max: maxFrameSize}
}

// ReadFrame returns the next non-empty line with surrounding whitespace
// trimmed. An over-long line is consumed up to its delimiter and reported
// as ErrFrameTooLarge; the reader stays usable afterwards. A trailing
// partial line at EOF is dropped.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	overflow := false

	for {
		chunk, err := r.r.ReadSlice('\n')
		if !overflow {
			if len(buf)+len(chunk) > r.max+1 {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if overflow {
				return nil, ErrFrameTooLarge
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Writer encodes values as compact JSON lines. Each frame reaches the
// underlying writer in a single Write call under a mutex, so frames from
// concurrent senders never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

func NewWriter(w io.Writer, timeout time.Duration) *Writer {
	return &Writer{w: w, timeout: timeout}
}

func (w *Writer) Encode(v any) error {
	frame, err := Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if d, ok := w.w.(deadliner); ok && w.timeout > 0 {
		d.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	_, err = w.w.Write(frame)
	return err
}

// Marshal renders v as one compact JSON frame including the trailing
// newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
