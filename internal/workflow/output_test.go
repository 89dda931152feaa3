package workflow

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adsync/internal/secrets"
	logx "adsync/pkg/logx"
)

func TestLineWriterSplitsOnRuneBoundaries(t *testing.T) {
	t.Parallel()
	r := secrets.NewRedactor()
	r.Add("ключ-секрет")
	tl := newTail(10)
	w := &lineWriter{
		log:      logx.Nop(),
		redact:   r.Redact,
		holdback: func() int { return r.Longest() - 1 },
		tail:     tl,
		stream:   "stdout",
	}

	in := strings.Repeat("a", 1999) + "é" + strings.Repeat("б", 10) + "ключ-"
	_, err := w.Write([]byte(in))
	require.NoError(t, err)
	_, err = w.Write([]byte("секрет done"))
	require.NoError(t, err)
	w.Flush()

	lines := tl.snapshot()
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.True(t, utf8.ValidString(line), "line cut inside a rune")
		assert.LessOrEqual(t, len(line), maxLineLen)
		assert.NotContains(t, line, "ключ")
	}
	assert.Equal(t, strings.Repeat("a", 1999)+"é"+strings.Repeat("б", 10)+"*** done", strings.Join(lines, ""))
}

func TestRuneCut(t *testing.T) {
	t.Parallel()
	s := "aé" // 'é' spans bytes 1 and 2
	tests := []struct {
		n, want int
	}{
		{-1, 0},
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 3},
		{10, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, runeCut(s, tt.n), "n=%d", tt.n)
	}
}
