package pool

import "bytes"

// defaultMaxLine bounds a single stdout message.
const defaultMaxLine = 32 << 20

// lineFramer turns an unstructured byte stream into complete newline-terminated lines.
// Bytes accumulate until a newline arrives. A line that grows past maxLine is dropped,
// and the framer discards input until the next newline so it can resynchronize.
type lineFramer struct {
	buf        []byte
	maxLine    int
	discarding bool
	dropped    int
}

// push appends chunk and returns every line it completed, without the trailing "\n" or "\r\n".
// The returned slices are owned by the caller.
func (f *lineFramer) push(chunk []byte) [][]byte {
	maxLine := f.maxLine
	if maxLine <= 0 {
		maxLine = defaultMaxLine
	}
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if !f.discarding {
				f.buf = append(f.buf, chunk...)
				if len(f.buf) > maxLine {
					f.buf = f.buf[:0]
					f.discarding = true
					f.dropped++
				}
			}
			break
		}
		if f.discarding {
			f.discarding = false
		} else {
			line := make([]byte, 0, len(f.buf)+i)
			line = append(line, f.buf...)
			line = append(line, chunk[:i]...)
			lines = append(lines, bytes.TrimSuffix(line, []byte("\r")))
		}
		f.buf = f.buf[:0]
		chunk = chunk[i+1:]
	}
	return lines
}

// flush returns whatever partial line is buffered, used once the stream has ended.
func (f *lineFramer) flush() []byte {
	if f.discarding || len(f.buf) == 0 {
		return nil
	}
	line := append([]byte(nil), f.buf...)
	f.buf = f.buf[:0]
	return line
}
