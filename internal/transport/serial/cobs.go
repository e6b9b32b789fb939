package serial

import (
	"bytes"
	"errors"
	"fmt"
)

// Delimiter terminates every COBS frame on the wire.
const Delimiter = 0x00

var errCOBS = errors.New("invalid cobs frame")

// EncodeCOBS returns data stuffed so it contains no zero bytes. The trailing
// delimiter is not included.
func EncodeCOBS(data []byte) []byte {
	out := make([]byte, 1, len(data)+len(data)/254+2)
	codeIdx := 0
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}

		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}

	out[codeIdx] = code
	return out
}

// DecodeCOBS reverses EncodeCOBS. frame must not include the delimiter.
func DecodeCOBS(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); {
		code := frame[i]
		if code == 0 {
			return nil, fmt.Errorf("%w: zero code at %d", errCOBS, i)
		}
		i++

		count := int(code) - 1
		if i+count > len(frame) {
			return nil, fmt.Errorf("%w: truncated block at %d", errCOBS, i)
		}

		out = append(out, frame[i:i+count]...)
		i += count

		if code != 0xFF && i < len(frame) {
			out = append(out, 0)
		}
	}

	return out, nil
}

// splitFrames is a bufio.SplitFunc yielding the bytes between delimiters.
// Empty frames (back-to-back delimiters) are skipped.
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && data[start] == Delimiter {
		start++
	}

	if i := bytes.IndexByte(data[start:], Delimiter); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}

	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}

	return start, nil, nil
}
