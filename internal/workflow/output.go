package workflow

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"

	logx "adsync/pkg/logx"
)

// maxLineLen caps a single captured line; longer lines are split.
const maxLineLen = 2000

// tail keeps the last n redacted output lines across both streams.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail { return &tail{n: max(n, 1)} }

func (t *tail) add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
	t.mu.Unlock()
}

func (t *tail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// lineWriter splits a child stream into lines, redacts them, logs each one and
// keeps them in the tail. Lines longer than maxLineLen are emitted in several
// pieces, each cut on a rune boundary after redaction.
type lineWriter struct {
	log      logx.Logger
	redact   func(string) string
	// holdback is how many trailing bytes of an unterminated line stay
	// buffered so a secret split across writes is still matched whole.
	holdback func() int
	tail     *tail
	stream   string
	buf      bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(line[:len(line)-1])
	}
	if w.buf.Len() > maxLineLen {
		w.flushPartial()
	}
	return len(p), nil
}

// flushPartial emits most of an over-long unterminated line. The buffer is
// redacted as a whole first, then the last holdback bytes are kept back.
func (w *lineWriter) flushPartial() {
	s := w.redactLine(w.buf.String())
	keep := 0
	if w.holdback != nil {
		keep = max(w.holdback(), 0)
	}
	cut := runeCut(s, len(s)-keep)
	w.buf.Reset()
	w.buf.WriteString(s[cut:])
	if cut > 0 {
		w.emitPieces(s[:cut])
	}
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(string(w.buf.Next(w.buf.Len())))
	}
}

func (w *lineWriter) redactLine(line string) string {
	if w.redact != nil {
		return w.redact(line)
	}
	return line
}

func (w *lineWriter) emit(line string) {
	w.emitPieces(w.redactLine(strings.TrimRight(line, "\r")))
}

// emitPieces logs an already redacted line, split into maxLineLen pieces.
func (w *lineWriter) emitPieces(line string) {
	for len(line) > maxLineLen {
		cut := runeCut(line, maxLineLen)
		if cut == 0 {
			cut = maxLineLen
		}
		w.record(line[:cut])
		line = line[cut:]
	}
	w.record(line)
}

func (w *lineWriter) record(line string) {
	if w.tail != nil {
		w.tail.add(line)
	}
	w.log.Info(line, logx.String("stream", w.stream))
}

// runeCut moves n back to the start of a rune in s.
func runeCut(s string, n int) int {
	if n <= 0 {
		return 0
	}
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
