package logging

import (
	"container/ring"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, size int) *ring.Ring {
	t.Helper()
	return ring.New(size)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, parseLevel(tc.input), "level %q", tc.input)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	ctx2, id2 := WithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", id2)
	assert.Equal(t, "req-42", RequestID(ctx2))
}

func TestRingTail(t *testing.T) {
	r := &LogRing{
		subscribers: make(map[string]chan string),
	}
	r.buffer = newTestRing(t, 8)

	for i := 0; i < 5; i++ {
		_, err := r.Write([]byte(fmt.Sprintf("line %d\n", i)))
		require.NoError(t, err)
	}

	all := r.Tail(0)
	require.Len(t, all, 5)
	assert.Equal(t, "line 0", all[0])
	assert.Equal(t, "line 4", all[4])

	last2 := r.Tail(2)
	require.Len(t, last2, 2)
	assert.Equal(t, []string{"line 3", "line 4"}, last2)
}

func TestRingOverwritesOldest(t *testing.T) {
	r := &LogRing{
		subscribers: make(map[string]chan string),
	}
	r.buffer = newTestRing(t, 3)

	for i := 0; i < 5; i++ {
		_, err := r.Write([]byte(fmt.Sprintf("line %d", i)))
		require.NoError(t, err)
	}

	got := r.Tail(0)
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, got)
}

func TestRingSubscribe(t *testing.T) {
	r := &LogRing{
		subscribers: make(map[string]chan string),
	}
	r.buffer = newTestRing(t, 4)

	_, err := r.Write([]byte("before"))
	require.NoError(t, err)

	id, ch, history := r.Subscribe()
	defer r.Unsubscribe(id)
	assert.Equal(t, []string{"before"}, history)

	_, err = r.Write([]byte("after"))
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "after", msg)
	default:
		t.Fatal("expected live delivery to subscriber")
	}
}

func TestRollingFileWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fazt.log")

	w, err := newRollingFileWriter(Config{FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)
	require.NotNil(t, w)
	defer w.Close()

	// Force rotation by pretending the file is already near the cap.
	w.maxBytes = 16
	_, err = w.Write([]byte(strings.Repeat("a", 12) + "\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 12) + "\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2, "expected active log plus rotated file")
}

func TestRollingFileWriterRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.log")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	link := filepath.Join(dir, "link.log")
	require.NoError(t, os.Symlink(target, link))

	_, err := newRollingFileWriter(Config{FilePath: link})
	require.Error(t, err)
}
