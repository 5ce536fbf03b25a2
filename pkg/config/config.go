package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Memory  MemoryConfig  `yaml:"memory"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

type MemoryConfig struct {
	PageSize   uint32 `yaml:"page_size"`   // bytes per page and per frame
	FrameCount uint32 `yaml:"frame_count"` // physical memory = page_size * frame_count
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`     // HTTP Listen Address (e.g. :8080)
	TCPAddr string `yaml:"tcp_addr"` // TCP Listen Address (e.g. :9090)
}

type StorageConfig struct {
	Path    string `yaml:"path"`     // sqlite snapshot database
	DumpDir string `yaml:"dump_dir"` // segment dump files
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			PageSize:   1024,
			FrameCount: 16,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			TCPAddr: ":9090",
		},
		Storage: StorageConfig{
			Path:    "segmem_data/snapshots.db",
			DumpDir: "segmem_data/dumps",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/segmem.yaml", "segmem.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Memory.PageSize == 0 {
		cfg.Memory.PageSize = 1024
	}
	if cfg.Memory.FrameCount == 0 {
		cfg.Memory.FrameCount = 16
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "segmem_data/snapshots.db"
	}
	if cfg.Storage.DumpDir == "" {
		cfg.Storage.DumpDir = "segmem_data/dumps"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "console"
	}
}
