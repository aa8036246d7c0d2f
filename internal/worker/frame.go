package worker

import "bytes"

// FrameSplitter re-assembles NUL-delimited frames out of a stream of raw
// byte reads that may split a frame across arbitrary buffer boundaries.
//
// It holds no lock: a worker's reader goroutine is the only goroutine that
// ever touches a given FrameSplitter, so none is needed.
type FrameSplitter struct {
	remainder []byte
}

// Feed appends data to any carried-over remainder, extracts every complete
// (NUL-terminated) frame, and returns them in order. Any bytes after the
// last NUL are kept as the new remainder for the next call.
func (f *FrameSplitter) Feed(data []byte) [][]byte {
	combined := make([]byte, 0, len(f.remainder)+len(data))
	combined = append(combined, f.remainder...)
	combined = append(combined, data...)

	var frames [][]byte
	for {
		idx := bytes.IndexByte(combined, 0)
		if idx < 0 {
			break
		}
		frame := make([]byte, idx)
		copy(frame, combined[:idx])
		frames = append(frames, frame)
		combined = combined[idx+1:]
	}

	f.remainder = append([]byte(nil), combined...)
	return frames
}

// Remainder returns the bytes carried over for the next Feed call.
func (f *FrameSplitter) Remainder() []byte {
	return f.remainder
}
