package logrelay

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketRoundsDown(t *testing.T) {
	in := time.Date(2025, 3, 14, 10, 47, 33, 500, time.UTC)
	got := bucket(in)
	assert.Equal(t, time.Date(2025, 3, 14, 10, 45, 0, 0, time.UTC), got)

	exact := time.Date(2025, 3, 14, 10, 45, 0, 0, time.UTC)
	assert.Equal(t, exact, bucket(exact))
}

func TestPathLayout(t *testing.T) {
	ts := time.Date(2025, 3, 14, 10, 47, 0, 0, time.UTC)
	p := Path("/var/log/tenantd", "demo", ts)
	assert.Equal(t, filepath.Join("/var/log/tenantd", "demo", "demo_2025-03-14_10-45.log"), p)
}

func TestRelayWritesAllLines(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	sink, err := m.Open("ws1")
	require.NoError(t, err)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		Relay(pr, sink)
		close(done)
	}()

	for i := 0; i < 50; i++ {
		_, err := pw.Write([]byte("line\n"))
		require.NoError(t, err)
	}
	require.NoError(t, pw.Close())
	<-done
	m.Remove("ws1")

	b, err := os.ReadFile(sink.CurrentPath())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	assert.Len(t, lines, 50)
}

func TestRelayReplacesInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	sink, err := m.Open("raw")
	require.NoError(t, err)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		Relay(pr, sink)
		close(done)
	}()
	_, err = pw.Write([]byte{'o', 'k', 0xff, 0xfe, '\n'})
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	<-done

	b, err := os.ReadFile(sink.CurrentPath())
	require.NoError(t, err)
	assert.Contains(t, string(b), "ok")
	assert.Contains(t, string(b), "�")
}

func TestRotationKeepsEveryLine(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	// controllable clock shared by manager and sink
	current := time.Date(2025, 3, 14, 10, 44, 50, 0, time.UTC)
	m.now = func() time.Time { return current }

	sink, err := m.Open("demo")
	require.NoError(t, err)
	firstPath := sink.CurrentPath()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		Relay(pr, sink)
		close(done)
	}()

	const total = 40
	for i := 0; i < total; i++ {
		_, err := pw.Write([]byte("entry\n"))
		require.NoError(t, err)
		if i == total/2 {
			// cross the 5-minute boundary mid-stream
			current = current.Add(RotationInterval)
			m.RotateAll()
		}
	}
	require.NoError(t, pw.Close())
	<-done

	secondPath := sink.CurrentPath()
	require.NotEqual(t, firstPath, secondPath)

	count := 0
	for _, p := range []string{firstPath, secondPath} {
		b, err := os.ReadFile(p)
		require.NoError(t, err)
		for _, line := range strings.Split(string(b), "\n") {
			if line == "" {
				continue
			}
			// no split or corrupted lines on either side of the boundary
			require.Equal(t, "entry", line)
			count++
		}
	}
	assert.Equal(t, total, count, "lines lost or duplicated across rotation")
}

func TestRotateWithinBucketIsNoop(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	sink, err := m.Open("stable")
	require.NoError(t, err)
	p := sink.CurrentPath()
	require.NoError(t, sink.Rotate())
	assert.Equal(t, p, sink.CurrentPath())
}

func TestCloseIsIdempotentAndDropsLateWrites(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	sink, err := m.Open("gone")
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	// late writes after close must not panic or resurrect the file handle
	sink.writeLine("after close\n")
	require.NoError(t, sink.Rotate())
}
