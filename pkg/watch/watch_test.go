package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records the paths passed to the change callback.
type collector struct {
	mu    sync.Mutex
	calls [][]string
	seen  map[string]bool
}

func (c *collector) onChange(_ context.Context, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	c.calls = append(c.calls, paths)
	for _, p := range paths {
		c.seen[p] = true
	}
	return nil
}

func (c *collector) saw(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[path]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func startWatcher(t *testing.T, cfg Config) *collector {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	w, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, c.onChange)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatchReportsChanges(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, Config{Root: root})

	a := filepath.Join(root, "main.ts")
	b := filepath.Join(root, "stacks.ts")
	write(t, a, "a")
	write(t, b, "b")

	assert.Eventually(t, func() bool { return c.saw(a) && c.saw(b) }, 5*time.Second, 20*time.Millisecond)
}

func TestWatchNewDirectories(t *testing.T) {
	root := t.TempDir()
	c := startWatcher(t, Config{Root: root})

	sub := filepath.Join(root, "lib")
	require.NoError(t, os.Mkdir(sub, 0o755))
	assert.Eventually(t, func() bool { return c.saw(sub) }, 5*time.Second, 20*time.Millisecond)

	file := filepath.Join(sub, "bucket.ts")
	assert.Eventually(t, func() bool {
		write(t, file, "x")
		return c.saw(file)
	}, 5*time.Second, 100*time.Millisecond)
}

func TestWatchIgnoresOutputDirectory(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "cdktf.out")
	require.NoError(t, os.MkdirAll(filepath.Join(out, "stacks"), 0o755))

	c := startWatcher(t, Config{Root: root, Ignore: []string{"cdktf.out"}})

	write(t, filepath.Join(out, "manifest.json"), "{}")
	write(t, filepath.Join(out, "stacks", "cdk.tf.json"), "{}")
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, c.count())

	// A change outside the ignored tree still triggers.
	src := filepath.Join(root, "main.ts")
	write(t, src, "x")
	assert.Eventually(t, func() bool { return c.saw(src) }, 5*time.Second, 20*time.Millisecond)
}

func TestIgnored(t *testing.T) {
	w := &Watcher{root: "/project", ignore: []string{".git", "cdktf.out", "build/gen"}}

	tests := []struct {
		path string
		want bool
	}{
		{"/project", false},
		{"/project/main.ts", false},
		{"/project/.git", true},
		{"/project/.git/HEAD", true},
		{"/project/lib/.git/HEAD", true},
		{"/project/cdktf.out/manifest.json", true},
		{"/project/cdktf.output", false},
		{"/project/build/gen/x.ts", true},
		{"/project/other/build/gen/x.ts", false},
	}
	for _, tt := range tests {
		if got := w.ignored(filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("ignored(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestNewMissingRoot(t *testing.T) {
	_, err := New(Config{Root: filepath.Join(t.TempDir(), "missing")}, zerolog.Nop())
	assert.Error(t, err)
}
