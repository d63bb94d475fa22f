package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
container:
  image: swarmsec/sandbox:kali
engine:
  max_iterations: 50
timeouts:
  message_wait: 30s
recovery:
  on_sandbox_crash: degrade
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "swarmsec/sandbox:kali", cfg.Container.Image)
	assert.Equal(t, 50, cfg.Engine.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.MessageWait)
	assert.Equal(t, CrashDegrade, cfg.Recovery.OnSandboxCrash)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().Container.Network, cfg.Container.Network)
	assert.Equal(t, Default().Model.MaxTokens, cfg.Model.MaxTokens)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad port range":   "container:\n  port_range_lo: 9000\n  port_range_hi: 8000\n",
		"bad policy":       "recovery:\n  on_sandbox_crash: shrug\n",
		"zero iterations":  "engine:\n  max_iterations: 0\n",
		"bad warn ratio":   "engine:\n  warn_ratio: 1.5\n",
		"mcp no command":   "mcp:\n  - name: fs\n    transport: stdio\n",
		"mcp bad kind":     "mcp:\n  - name: fs\n    transport: carrier-pigeon\n",
		"hook no event":    "hooks:\n  - command: ./notify.sh\n",
		"hook no command":  "hooks:\n  - event: ScanFinished\n",
		"zero tool invoke": "timeouts:\n  tool_invoke: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestWatcherFiresOnRewrite(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_iterations: 100\n")

	changes := make(chan Config, 4)
	w, err := NewWatcher(path,
		WithDebounce(20*time.Millisecond),
		OnChange(func(c Config) { changes <- c }),
	)
	require.NoError(t, err)

	cfg, err := w.Start()
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 100, cfg.Engine.MaxIterations)
	<-changes // initial callback

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_iterations: 42\n"), 0o644))

	select {
	case got := <-changes:
		assert.Equal(t, 42, got.Engine.MaxIterations)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after config rewrite")
	}
}

func TestWatcherIgnoresUnchangedContent(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_iterations: 7\n")

	changes := make(chan Config, 4)
	w, err := NewWatcher(path,
		WithDebounce(20*time.Millisecond),
		OnChange(func(c Config) { changes <- c }),
	)
	require.NoError(t, err)
	_, err = w.Start()
	require.NoError(t, err)
	defer w.Close()
	<-changes

	// Same bytes, new mtime: must not trigger a second callback.
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_iterations: 7\n"), 0o644))

	select {
	case <-changes:
		t.Fatal("reload fired for identical content")
	case <-time.After(300 * time.Millisecond):
	}
}
