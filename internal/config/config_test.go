package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/registry"
)

func TestDefaultsMatchRegistry(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	opts, err := cfg.RegistryOptions()
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultOptions(), opts)
}

func TestLoadYAMLThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "miner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
algorithm: test
gpu:
  block_size: 256
  grid_size: 4096
  schedule: sync
  dag_load_mode: single
  devices: [1, 0]
report:
  url: http://pool.local/submit
  timeout: 3s
hashrate_interval: 2s
`), 0o644))

	t.Setenv("GPUMINER_GRID_SIZE", "16384")
	t.Setenv("GPUMINER_COPY_DAG_TO_HOST", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Algorithm)
	assert.EqualValues(t, 256, cfg.GPU.BlockSize)
	assert.EqualValues(t, 16384, cfg.GPU.GridSize)
	assert.True(t, cfg.GPU.CopyDAGToHost)
	assert.Equal(t, 3*time.Second, cfg.Report.Timeout.Duration)
	assert.Equal(t, 2*time.Second, cfg.HashrateInterval.Duration)

	opts, err := cfg.RegistryOptions()
	require.NoError(t, err)
	assert.Equal(t, gpu.ScheduleBlockingSync, opts.Schedule)
	assert.Equal(t, registry.LoadSingle, opts.DAGLoadMode)
	assert.Equal(t, []int{1, 0}, opts.Devices)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().GPU, cfg.GPU)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path)
	assert.True(t, core.IsConfigError(err))
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	t.Setenv("GPUMINER_STREAMS", "many")
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, core.IsConfigError(err))
}

func TestLoadRejectsUnknownSchedule(t *testing.T) {
	t.Setenv("GPUMINER_SCHEDULE", "sometimes")
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, core.IsConfigError(err))
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out.json", "nested/out.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.GPU.Devices = []int{0, 2}
			cfg.Report.URL = "http://example.invalid"
			require.NoError(t, Save(cfg, path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, got)
		})
	}
}

func TestParseDevices(t *testing.T) {
	ids, err := ParseDevices(" 0, 3,,1 ")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 1}, ids)

	_, err = ParseDevices("0,x")
	assert.Error(t, err)
}

func TestSimOptions(t *testing.T) {
	cfg := Default()
	cfg.GPU.SimDevices = 3
	cfg.GPU.SimMemoryMiB = 64
	opts := cfg.SimOptions()
	require.Len(t, opts.Devices, 3)
	assert.EqualValues(t, 64<<20, opts.Devices[2].Memory)
}
