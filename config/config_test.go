package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reactorcore/netpump/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	path := filepath.Join(dir, "netpump.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "thread_count: 4\n")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.ThreadCount)
	assert.Equal(t, config.Defaults().HighWaterMark, cfg.HighWaterMark)
	assert.Equal(t, config.Defaults().MaxRetryDelay, cfg.MaxRetryDelay)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
initial_retry_delay: 1s
max_retry_delay: 1m
high_water_mark: 1024
poll_timeout_ms: 500
thread_count: 8
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.InitialRetryDelay)
	assert.Equal(t, time.Minute, cfg.MaxRetryDelay)
	assert.Equal(t, 1024, cfg.HighWaterMark)
	assert.Equal(t, 500, cfg.PollTimeoutMS)
	assert.Equal(t, 8, cfg.ThreadCount)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSourceCurrentReflectsWatchSource(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "high_water_mark: 111\n")

	src := config.NewSource(config.Defaults())
	stop := make(chan struct{})
	defer close(stop)

	require.NoError(t, config.WatchSource(path, src, stop))
	require.Eventually(t, func() bool {
		return src.Current().HighWaterMark == 111
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("high_water_mark: 222\n"), 0o644))
	require.Eventually(t, func() bool {
		return src.Current().HighWaterMark == 222
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchFiresOnRewrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "thread_count: 1\n")

	changes := make(chan config.Config, 4)
	stop := make(chan struct{})
	defer close(stop)

	require.NoError(t, config.Watch(path, func(c config.Config) { changes <- c }, stop))

	select {
	case c := <-changes:
		assert.Equal(t, 1, c.ThreadCount)
	case <-time.After(time.Second):
		t.Fatal("initial Watch callback never fired")
	}

	require.NoError(t, os.WriteFile(path, []byte("thread_count: 2\n"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.ThreadCount == 2 {
				return
			}
		case <-deadline:
			t.Fatal("Watch never observed the rewritten file")
		}
	}
}
