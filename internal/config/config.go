// Package config loads the miner's settings from defaults, a JSON or YAML
// file, a .env file and GPUMINER_* environment variables, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/ethash"
	"gpuminer/pkg/mining/factory"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/registry"
)

const envPrefix = "GPUMINER_"

// Duration is a time.Duration read and written as text like "5s".
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// GPU holds the device tunables.
type GPU struct {
	BlockSize       uint   `json:"block_size" yaml:"block_size"`
	GridSize        uint   `json:"grid_size" yaml:"grid_size"`
	Streams         uint   `json:"streams" yaml:"streams"`
	Schedule        string `json:"schedule" yaml:"schedule"`
	ParallelHash    uint   `json:"parallel_hash" yaml:"parallel_hash"`
	CurrentBlock    uint64 `json:"current_block" yaml:"current_block"`
	DAGLoadMode     string `json:"dag_load_mode" yaml:"dag_load_mode"`
	DAGCreateDevice uint   `json:"dag_create_device" yaml:"dag_create_device"`
	CopyDAGToHost   bool   `json:"copy_dag_to_host" yaml:"copy_dag_to_host"`
	Devices         []int  `json:"devices,omitempty" yaml:"devices,omitempty"`
	Instances       uint   `json:"instances" yaml:"instances"`

	// Simulated runs on the in-process device runtime even when the
	// native one is compiled in.
	Simulated    bool   `json:"simulated" yaml:"simulated"`
	SimDevices   int    `json:"sim_devices" yaml:"sim_devices"`
	SimMemoryMiB uint64 `json:"sim_memory_mib" yaml:"sim_memory_mib"`
}

// Report configures where solutions are delivered.
type Report struct {
	URL     string   `json:"url,omitempty" yaml:"url,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Retries int      `json:"retries" yaml:"retries"`
}

// Logging configures the log file and levels.
type Logging struct {
	Dir   string `json:"dir,omitempty" yaml:"dir,omitempty"`
	Level string `json:"level" yaml:"level"`
}

// Config is the complete miner configuration.
type Config struct {
	Algorithm string         `json:"algorithm" yaml:"algorithm"`
	Backend   factory.Config `json:"backend" yaml:"backend"`
	GPU       GPU            `json:"gpu" yaml:"gpu"`

	HTTPListen string `json:"http_listen" yaml:"http_listen"`
	GRPCListen string `json:"grpc_listen" yaml:"grpc_listen"`

	Report  Report  `json:"report" yaml:"report"`
	Logging Logging `json:"logging" yaml:"logging"`

	HashrateInterval Duration `json:"hashrate_interval" yaml:"hashrate_interval"`
	RetryBackoff     Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// Default returns the stock configuration.
func Default() *Config {
	opts := registry.DefaultOptions()
	return &Config{
		Algorithm: ethash.ModeNormal.String(),
		Backend:   factory.DefaultConfig(),
		GPU: GPU{
			BlockSize:    opts.BlockSize,
			GridSize:     opts.GridSize,
			Streams:      opts.NumStreams,
			Schedule:     opts.Schedule.String(),
			ParallelHash: opts.ParallelHash,
			DAGLoadMode:  opts.DAGLoadMode.String(),
			SimDevices:   2,
			SimMemoryMiB: 4096,
		},
		HTTPListen:       "127.0.0.1:3333",
		GRPCListen:       "127.0.0.1:3334",
		Report:           Report{Timeout: Duration{10 * time.Second}, Retries: 3},
		Logging:          Logging{Level: "info"},
		HashrateInterval: Duration{5 * time.Second},
		RetryBackoff:     Duration{time.Second},
	}
}

// Paths returns the configuration files searched when Load is given no
// path.
func Paths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		"./gpuminer.yaml",
		"./gpuminer.json",
		filepath.Join(homeDir, ".gpuminer", "config.yaml"),
		filepath.Join(homeDir, ".gpuminer", "config.json"),
		"/etc/gpuminer/config.yaml",
	}
}

// Load builds the configuration. A missing file keeps the defaults; a
// malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, p := range Paths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	envFile := filepath.Join(findProjectRoot(), ".env")
	if err := godotenv.Load(envFile); err == nil {
		log.CnfgLog.Debugf("Loaded environment from %s", envFile)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.CnfgLog.Debugf("No configuration at %s, using defaults", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return core.WrapError(core.ErrCodeConfig, "parse config "+path, err)
	}
	log.CnfgLog.Infof("Loaded configuration from %s", path)
	return nil
}

// Save writes cfg to path as YAML or JSON by extension.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) applyEnv() error {
	var firstErr error
	setErr := func(key string, err error) {
		if err != nil && firstErr == nil {
			firstErr = core.WrapError(core.ErrCodeConfig, "environment "+envPrefix+key, err)
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	uintv := func(key string, dst *uint) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.ParseUint(v, 10, 32)
			setErr(key, err)
			*dst = uint(n)
		}
	}
	boolv := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			setErr(key, err)
			*dst = b
		}
	}

	str("ALGORITHM", &c.Algorithm)
	str("HTTP_LISTEN", &c.HTTPListen)
	str("GRPC_LISTEN", &c.GRPCListen)
	str("REPORT_URL", &c.Report.URL)
	str("LOG_DIR", &c.Logging.Dir)
	str("LOG_LEVEL", &c.Logging.Level)
	str("SCHEDULE", &c.GPU.Schedule)
	str("DAG_LOAD_MODE", &c.GPU.DAGLoadMode)
	uintv("BLOCK_SIZE", &c.GPU.BlockSize)
	uintv("GRID_SIZE", &c.GPU.GridSize)
	uintv("STREAMS", &c.GPU.Streams)
	uintv("PARALLEL_HASH", &c.GPU.ParallelHash)
	uintv("DAG_CREATE_DEVICE", &c.GPU.DAGCreateDevice)
	uintv("INSTANCES", &c.GPU.Instances)
	boolv("COPY_DAG_TO_HOST", &c.GPU.CopyDAGToHost)
	boolv("SIMULATED", &c.GPU.Simulated)
	boolv("FALLBACK", &c.Backend.EnableFallback)

	if v, ok := os.LookupEnv(envPrefix + "CURRENT_BLOCK"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		setErr("CURRENT_BLOCK", err)
		c.GPU.CurrentBlock = n
	}
	if v, ok := os.LookupEnv(envPrefix + "DEVICES"); ok {
		ids, err := ParseDevices(v)
		setErr("DEVICES", err)
		c.GPU.Devices = ids
	}
	if v, ok := os.LookupEnv(envPrefix + "BACKEND"); ok {
		c.Backend.PreferredOrder = splitList(v)
	}
	return firstErr
}

// ParseDevices parses a comma separated list of device ordinals.
func ParseDevices(s string) ([]int, error) {
	var ids []int
	for _, f := range splitList(s) {
		id, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", f, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the settings that can be checked without devices.
func (c *Config) Validate() error {
	if _, err := ethash.ParseMode(c.Algorithm); err != nil {
		return core.WrapError(core.ErrCodeConfig, "algorithm", err)
	}
	if _, err := c.RegistryOptions(); err != nil {
		return err
	}
	if c.HashrateInterval.Duration <= 0 {
		return core.NewError(core.ErrCodeConfig, "hashrate interval must be positive", c.HashrateInterval.String())
	}
	return nil
}

// Mode returns the ethash sizing mode.
func (c *Config) Mode() ethash.Mode {
	m, _ := ethash.ParseMode(c.Algorithm)
	return m
}

// RegistryOptions converts the GPU section for registry.Configure.
func (c *Config) RegistryOptions() (registry.Options, error) {
	sched, err := gpu.ParseSchedule(c.GPU.Schedule)
	if err != nil {
		return registry.Options{}, err
	}
	mode, err := registry.ParseLoadMode(c.GPU.DAGLoadMode)
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{
		BlockSize:       c.GPU.BlockSize,
		GridSize:        c.GPU.GridSize,
		NumStreams:      c.GPU.Streams,
		Schedule:        sched,
		CurrentBlock:    c.GPU.CurrentBlock,
		DAGLoadMode:     mode,
		DAGCreateDevice: c.GPU.DAGCreateDevice,
		CopyDAGToHost:   c.GPU.CopyDAGToHost,
		ParallelHash:    c.GPU.ParallelHash,
		Devices:         c.GPU.Devices,
		NumInstances:    c.GPU.Instances,
	}, nil
}

// SimOptions describes the simulated devices for this configuration.
func (c *Config) SimOptions() gpu.SimOptions {
	opts := gpu.DefaultSimOptions()
	spec := opts.Devices[0]
	spec.Memory = c.GPU.SimMemoryMiB << 20
	opts.Devices = nil
	for i := 0; i < c.GPU.SimDevices; i++ {
		opts.Devices = append(opts.Devices, spec)
	}
	opts.Algorithm = ethash.New(c.Mode())
	return opts
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
