package launcher

import "sync"

// maxScrollbackLines and maxScrollbackBytes are two independent caps on
// the scrollback ring, both enforced on every append.
const (
	maxScrollbackLines = 10000
	maxScrollbackBytes = 50 * 1024 * 1024
)

// scrollbackRing is an append-only deque of lines with two independent
// caps, both enforced by evicting from the head on append. Byte
// accounting uses UTF-8 length (len() on a Go string already counts
// bytes, not runes).
type scrollbackRing struct {
	mu    sync.Mutex
	lines []string
	bytes int
}

func newScrollbackRing() *scrollbackRing {
	return &scrollbackRing{}
}

// Append pushes a line (without its trailing newline), first evicting
// from the head while the push would exceed either cap. The new line is
// always pushed, even when it alone exceeds the byte cap — there is
// nothing older left to evict at that point.
func (r *scrollbackRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.lines) > 0 && (len(r.lines)+1 > maxScrollbackLines || r.bytes+len(line) > maxScrollbackBytes) {
		r.bytes -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
	r.lines = append(r.lines, line)
	r.bytes += len(line)
}

// Tail returns a copy of at most n trailing lines, oldest first, without
// newlines. Used both for the LSC "scrollback" frame (200 lines) and for
// the registry preview (8 lines, which the caller ANSI-strips after
// calling Tail).
func (r *scrollbackRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.lines) {
		out := make([]string, len(r.lines))
		copy(out, r.lines)
		return out
	}
	start := len(r.lines) - n
	out := make([]string, n)
	copy(out, r.lines[start:])
	return out
}

func (r *scrollbackRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}
