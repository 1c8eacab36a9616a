// Package framerange parses frame range expressions and computes the
// per-chunk frame specs the dispatcher embeds in a frame's launch payload.
//
// A range expression is a comma-separated list of terms, each one of:
//
//	N        single frame
//	A-B      inclusive range, ascending or descending
//	A-BxS    range stepped by S
//	A-B:N    range interleaved N ways (round-robin over N buckets)
//	A-By2    range with an inverse step, visiting every other remaining
//	         frame pass over pass (e.g. 1-10y2 visits odds then evens)
package framerange

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameSet is the ordered, expanded sequence of frame numbers a range
// expression denotes. Order matters: chunking slices it positionally, not
// numerically.
type FrameSet struct {
	frames []int
}

// New parses expr and returns its expanded FrameSet.
func New(expr string) (*FrameSet, error) {
	var frames []int
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		expanded, err := expandTerm(term)
		if err != nil {
			return nil, fmt.Errorf("frame range %q: %w", expr, err)
		}
		frames = append(frames, expanded...)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame range %q: expands to zero frames", expr)
	}
	return &FrameSet{frames: frames}, nil
}

func expandTerm(term string) ([]int, error) {
	switch {
	case strings.Contains(term, "y"):
		return expandInverseStep(term)
	case strings.Contains(term, ":"):
		return expandInterleaved(term)
	case strings.Contains(term, "x"):
		return expandStepped(term)
	case strings.Contains(term, "-"):
		return expandRange(term, 1)
	default:
		n, err := strconv.Atoi(term)
		if err != nil {
			return nil, fmt.Errorf("invalid frame %q: %w", term, err)
		}
		return []int{n}, nil
	}
}

func splitRange(rangePart string) (start, end int, err error) {
	parts := strings.SplitN(rangePart, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", rangePart)
	}
	start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q: %w", rangePart, err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q: %w", rangePart, err)
	}
	return start, end, nil
}

func expandRange(term string, step int) ([]int, error) {
	start, end, err := splitRange(term)
	if err != nil {
		return nil, err
	}
	return stepRange(start, end, step), nil
}

func stepRange(start, end, step int) []int {
	if step <= 0 {
		step = 1
	}
	var out []int
	if start <= end {
		for i := start; i <= end; i += step {
			out = append(out, i)
		}
	} else {
		for i := start; i >= end; i -= step {
			out = append(out, i)
		}
	}
	return out
}

func expandStepped(term string) ([]int, error) {
	idx := strings.Index(term, "x")
	rangePart, stepPart := term[:idx], term[idx+1:]
	step, err := strconv.Atoi(stepPart)
	if err != nil {
		return nil, fmt.Errorf("invalid step %q: %w", term, err)
	}
	return expandRange(rangePart, step)
}

// expandInterleaved implements A-B:N — N round-robin buckets over the
// ascending range, concatenated bucket by bucket.
func expandInterleaved(term string) ([]int, error) {
	idx := strings.Index(term, ":")
	rangePart, nPart := term[:idx], term[idx+1:]
	n, err := strconv.Atoi(nPart)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid interleave count %q: %w", term, err)
	}
	start, end, err := splitRange(rangePart)
	if err != nil {
		return nil, err
	}
	all := stepRange(start, end, 1)
	buckets := make([][]int, n)
	for i, f := range all {
		b := i % n
		buckets[b] = append(buckets[b], f)
	}
	var out []int
	for _, b := range buckets {
		out = append(out, b...)
	}
	return out, nil
}

// expandInverseStep implements A-ByN: N passes over the range, pass p
// visiting every Nth frame starting at offset p, passes concatenated in
// order (e.g. "1-10y2" visits 1,3,5,7,9 then 2,4,6,8,10).
func expandInverseStep(term string) ([]int, error) {
	idx := strings.Index(term, "y")
	rangePart, nPart := term[:idx], term[idx+1:]
	n, err := strconv.Atoi(nPart)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid inverse step %q: %w", term, err)
	}
	start, end, err := splitRange(rangePart)
	if err != nil {
		return nil, err
	}
	ascending := start <= end
	all := stepRange(start, end, 1)
	var out []int
	for pass := 0; pass < n; pass++ {
		for i, f := range all {
			if i%n == pass {
				out = append(out, f)
			}
		}
	}
	_ = ascending // stepRange already walked descending ranges in order
	return out, nil
}

// Len returns the number of frames in the set.
func (fs *FrameSet) Len() int {
	return len(fs.frames)
}

// At returns the frame number at position i.
func (fs *FrameSet) At(i int) int {
	return fs.frames[i]
}

// Index returns the position of frame number n in the set, or -1 if absent.
func (fs *FrameSet) Index(n int) int {
	for i, f := range fs.frames {
		if f == n {
			return i
		}
	}
	return -1
}

// Last returns the final frame in the set.
func (fs *FrameSet) Last() int {
	return fs.frames[len(fs.frames)-1]
}

// Chunk returns the sub-sequence of up to chunkSize frames starting at
// position start, formatted as a range-expression frame spec, along with
// the last frame number in that sub-sequence.
func (fs *FrameSet) Chunk(start, chunkSize int) (spec string, chunkEndFrame int, err error) {
	if start < 0 || start >= len(fs.frames) {
		return "", 0, fmt.Errorf("chunk start %d out of range [0,%d)", start, len(fs.frames))
	}
	if chunkSize <= 0 {
		chunkSize = 1
	}
	end := start + chunkSize
	if end > len(fs.frames) {
		end = len(fs.frames)
	}
	slice := fs.frames[start:end]
	if len(slice) == 0 {
		return "", 0, fmt.Errorf("chunk at %d is empty", start)
	}
	return formatSpec(slice), slice[len(slice)-1], nil
}

// formatSpec collapses an evenly stepped sub-sequence back into "A-B" form
// (step 1) or "A-BxS" form (any other constant step S), and falls back to a
// comma list otherwise.
func formatSpec(frames []int) string {
	if len(frames) == 1 {
		return strconv.Itoa(frames[0])
	}
	contiguous := true
	step := frames[1] - frames[0]
	if step == 0 {
		contiguous = false
	}
	for i := 1; i < len(frames); i++ {
		if frames[i]-frames[i-1] != step {
			contiguous = false
			break
		}
	}
	if contiguous && step == 1 {
		return fmt.Sprintf("%d-%d", frames[0], frames[len(frames)-1])
	}
	if contiguous {
		return fmt.Sprintf("%d-%dx%d", frames[0], frames[len(frames)-1], step)
	}
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}

// PrepareChunkSpec is the dispatcher-facing entry point: given
// a layer's full range expression, its configured chunk size, and the
// starting frame number of the frame being dispatched, returns the chunk's
// frame spec and chunk end frame.
func PrepareChunkSpec(rangeExpr string, chunkSize int, startFrameNumber int) (spec string, chunkEndFrame int, err error) {
	fs, err := New(rangeExpr)
	if err != nil {
		return "", 0, err
	}
	idx := fs.Index(startFrameNumber)
	if idx < 0 {
		return "", 0, fmt.Errorf("frame %d not present in range %q", startFrameNumber, rangeExpr)
	}
	return fs.Chunk(idx, chunkSize)
}

// ZeroPad formats n as a 4-digit zero-padded frame number for the
// #ZFRAME# command template token.
func ZeroPad(n int) string {
	return fmt.Sprintf("%04d", n)
}
