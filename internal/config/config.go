// Package config handles configuration loading for the see-spot server.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Data     DataConfig     `yaml:"data"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Sessions SessionsConfig `yaml:"sessions"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StoreConfig contains remote object store settings.
type StoreConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint (MinIO, localstack).
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	// MaxListKeys caps object listings per locate call.
	MaxListKeys int `yaml:"max_list_keys"`
}

// CacheConfig contains caching settings for all three tiers: the local
// download cache, the durable merge artifacts, the in-memory dataset memo,
// and the serialized-response cache.
type CacheConfig struct {
	RootDir            string `yaml:"root_dir"`
	MaxDatasets        int    `yaml:"max_datasets"`
	ResponseSizeMB     int    `yaml:"response_size_mb"`
	ResponseTTLMinutes int    `yaml:"response_ttl_minutes"`
}

// DataConfig contains dataset layout settings.
type DataConfig struct {
	DefaultDataset string   `yaml:"default_dataset"`
	Datasets       []string `yaml:"datasets"`
	// SpotsSubdir is the per-dataset directory holding the spot tables.
	SpotsSubdir string `yaml:"spots_subdir"`
	// FusedPathTemplate locates the fused volumes for the viewer.
	FusedPathTemplate string `yaml:"fused_path_template"`
	// FusedChannels override the manifest's channel list for viewer layers.
	FusedChannels []string `yaml:"fused_channels"`
}

// ViewerConfig contains Neuroglancer link settings.
type ViewerConfig struct {
	BaseURL string `yaml:"base_url"`
}

// SessionsConfig contains session persistence settings.
type SessionsConfig struct {
	DBPath      string `yaml:"db_path"`
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// SamplingConfig contains spot sampling limits.
type SamplingConfig struct {
	DefaultSampleSize int `yaml:"default_sample_size"`
	MaxSampleSize     int `yaml:"max_sample_size"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Store: StoreConfig{
			Bucket:      "aind-open-data",
			Region:      "us-west-2",
			MaxListKeys: 200,
		},
		Cache: CacheConfig{
			RootDir:            "/s3-cache",
			MaxDatasets:        8,
			ResponseSizeMB:     256,
			ResponseTTLMinutes: 10,
		},
		Data: DataConfig{
			DefaultDataset: "HCR_736963_2024-12-07_13-00-00",
			SpotsSubdir:    "image_spot_spectral_unmixing",
		},
		Viewer: ViewerConfig{
			BaseURL: "https://neuroglancer-demo.appspot.com",
		},
		Sessions: SessionsConfig{
			DBPath:      "./data/sessions.db",
			MaxAgeHours: 24,
		},
		Sampling: SamplingConfig{
			DefaultSampleSize: 10000,
			MaxSampleSize:     100000,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Store.Bucket == "" {
		cfg.Store.Bucket = defaults.Store.Bucket
	}
	if cfg.Store.Region == "" {
		cfg.Store.Region = defaults.Store.Region
	}
	if cfg.Store.MaxListKeys == 0 {
		cfg.Store.MaxListKeys = defaults.Store.MaxListKeys
	}
	if cfg.Cache.RootDir == "" {
		cfg.Cache.RootDir = defaults.Cache.RootDir
	}
	if cfg.Cache.MaxDatasets == 0 {
		cfg.Cache.MaxDatasets = defaults.Cache.MaxDatasets
	}
	if cfg.Cache.ResponseSizeMB == 0 {
		cfg.Cache.ResponseSizeMB = defaults.Cache.ResponseSizeMB
	}
	if cfg.Cache.ResponseTTLMinutes == 0 {
		cfg.Cache.ResponseTTLMinutes = defaults.Cache.ResponseTTLMinutes
	}
	if cfg.Data.DefaultDataset == "" {
		cfg.Data.DefaultDataset = defaults.Data.DefaultDataset
	}
	if cfg.Data.SpotsSubdir == "" {
		cfg.Data.SpotsSubdir = defaults.Data.SpotsSubdir
	}
	if cfg.Viewer.BaseURL == "" {
		cfg.Viewer.BaseURL = defaults.Viewer.BaseURL
	}
	if cfg.Sessions.DBPath == "" {
		cfg.Sessions.DBPath = defaults.Sessions.DBPath
	}
	if cfg.Sessions.MaxAgeHours == 0 {
		cfg.Sessions.MaxAgeHours = defaults.Sessions.MaxAgeHours
	}
	if cfg.Sampling.DefaultSampleSize == 0 {
		cfg.Sampling.DefaultSampleSize = defaults.Sampling.DefaultSampleSize
	}
	if cfg.Sampling.MaxSampleSize == 0 {
		cfg.Sampling.MaxSampleSize = defaults.Sampling.MaxSampleSize
	}
}
