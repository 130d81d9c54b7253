// Package lines splits a worker's output stream into complete text lines.
//
// Chunks may arrive with any alignment to line boundaries. A Decoder holds
// the trailing partial line until its terminator arrives or the stream ends.
package lines

import (
	"bytes"
	"io"
	"iter"
)

const (
	// initialBufferCapacity is the starting size of the pending line buffer.
	initialBufferCapacity = 4096

	// readBufferSize is the temporary buffer size for reading from the source
	// pipe. 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096
)

// Decoder accumulates chunks and yields complete lines. It belongs to a
// single stream and is not safe for concurrent use.
type Decoder struct {
	buffer []byte
}

func NewDecoder() *Decoder {
	return &Decoder{buffer: make([]byte, 0, initialBufferCapacity)}
}

// Feed appends chunk to the pending buffer and returns every line it
// completes, in order, without terminators. A trailing "\r" is dropped so
// "\r\n" terminated output decodes the same as "\n".
func (d *Decoder) Feed(chunk []byte) []string {
	d.buffer = append(d.buffer, chunk...)

	var out []string

	start := 0

	for {
		i := bytes.IndexByte(d.buffer[start:], '\n')
		if i < 0 {
			break
		}

		line := bytes.TrimSuffix(d.buffer[start:start+i], []byte{'\r'})
		out = append(out, string(line))

		start += i + 1
	}

	// Move the partial line to the front so the buffer does not creep.
	if start > 0 {
		n := copy(d.buffer, d.buffer[start:])
		d.buffer = d.buffer[:n]
	}

	return out
}

// Flush returns the unterminated trailing line, if any, and empties the
// buffer. It is called once the stream has ended.
func (d *Decoder) Flush() (string, bool) {
	if len(d.buffer) == 0 {
		return "", false
	}

	line := string(bytes.TrimSuffix(d.buffer, []byte{'\r'}))

	d.buffer = d.buffer[:0]

	return line, true
}

// Pending returns the number of buffered bytes not yet yielded as a line.
func (d *Decoder) Pending() int {
	return len(d.buffer)
}

// Scan reads source chunk by chunk and yields each complete line with a nil
// error. When source ends any trailing partial line is yielded. A read error
// other than io.EOF is then yielded once and ends the sequence.
func Scan(source io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		d := NewDecoder()

		buffer := make([]byte, readBufferSize)

		for {
			n, err := source.Read(buffer)
			if n > 0 {
				for _, line := range d.Feed(buffer[:n]) {
					if !yield(line, nil) {
						return
					}
				}
			}

			if err != nil {
				if line, ok := d.Flush(); ok {
					if !yield(line, nil) {
						return
					}
				}

				if err != io.EOF {
					yield("", err)
				}

				return
			}
		}
	}
}
