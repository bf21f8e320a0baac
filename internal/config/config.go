package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tools    ToolsConfig    `yaml:"tools"`
	Limits   LimitsConfig   `yaml:"limits"`
	Progress ProgressConfig `yaml:"progress"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"` // 0 keeps SSE streams open indefinitely
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"` // request body cap for JSON endpoints
	WorkerCount     int           `yaml:"workerCount"`   // max pipelines running at once
	QueueCapacity   int           `yaml:"queueCapacity"` // pending pipelines before "queue full"
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	DatabasePath    string        `yaml:"databasePath"`    // optional, overrides default storage_dir/canopyflow.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for workers before forced stop
	RegistryRetries int           `yaml:"registryRetries"` // attempts for terminal job writes
	RegistryBackoff time.Duration `yaml:"registryBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
}

// ToolsConfig names the external executables each stage invokes.
type ToolsConfig struct {
	PDAL       string `yaml:"pdal"`
	GDALCalc   string `yaml:"gdalCalc"`
	GDALSieve  string `yaml:"gdalSieve"`
	Docker     string `yaml:"docker"`
	ODMImage   string `yaml:"odmImage"`
	Python     string `yaml:"python"`
	ScriptsDir string `yaml:"scriptsDir"` // register_image.py, adjust_image.py, tree_crown_detection.py, tree_attributes.py
}

// LimitsConfig caps upload sizes per pipeline kind.
type LimitsConfig struct {
	LidarUpload         ByteSize `yaml:"lidarUpload"`
	MultispectralUpload ByteSize `yaml:"multispectralUpload"`
	CHMUpload           ByteSize `yaml:"chmUpload"`
}

// ProgressConfig tunes the progress stream endpoint.
type ProgressConfig struct {
	KeepAlive   time.Duration `yaml:"keepAlive"`   // SSE comment interval
	IdleTimeout time.Duration `yaml:"idleTimeout"` // close a stream that saw no event for this long
	Redis       RedisSettings `yaml:"redis"`
}

// RedisSettings configures the optional cross-instance progress relay.
type RedisSettings struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

// DefaultsConfig holds processing parameter defaults applied when a request omits them.
type DefaultsConfig struct {
	Lidar         LidarDefaults         `yaml:"lidar"`
	TreeDetection TreeDetectionDefaults `yaml:"treeDetection"`
	Carbon        CarbonDefaults        `yaml:"carbon"`
}

type LidarDefaults struct {
	Resolution            float64 `yaml:"resolution"`
	GroundFilterThreshold float64 `yaml:"groundFilterThreshold"`
	SmoothRadius          int     `yaml:"smoothRadius"`
}

type TreeDetectionDefaults struct {
	MinHeight   float64 `yaml:"minHeight"`
	SmoothSigma float64 `yaml:"smoothSigma"`
	MinDistance int     `yaml:"minDistance"`
}

type CarbonDefaults struct {
	A            float64 `yaml:"a"`
	B            float64 `yaml:"b"`
	C            float64 `yaml:"c"`
	CarbonFactor float64 `yaml:"carbonFactor"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var CANOPYFLOW_CONFIG, then default to "config.yaml".
// A missing default file is not an error: the service then runs on defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		if env := os.Getenv("CANOPYFLOW_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}
	return Parse(data)
}

// Parse builds a Config from YAML bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "canopyflow.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Minute // large raster uploads
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(1024 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = 128
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.RegistryRetries <= 0 {
		cfg.Server.RegistryRetries = 2
	}
	if cfg.Server.RegistryBackoff == 0 {
		cfg.Server.RegistryBackoff = 500 * time.Millisecond
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Tools
	if cfg.Tools.PDAL == "" {
		cfg.Tools.PDAL = "pdal"
	}
	if cfg.Tools.GDALCalc == "" {
		cfg.Tools.GDALCalc = "gdal_calc.py"
	}
	if cfg.Tools.GDALSieve == "" {
		cfg.Tools.GDALSieve = "gdal_sieve.py"
	}
	if cfg.Tools.Docker == "" {
		cfg.Tools.Docker = "docker"
	}
	if cfg.Tools.ODMImage == "" {
		cfg.Tools.ODMImage = "opendronemap/odm"
	}
	if cfg.Tools.Python == "" {
		cfg.Tools.Python = "python"
	}
	if cfg.Tools.ScriptsDir == "" {
		cfg.Tools.ScriptsDir = "scripts"
	}

	// Upload limits
	if cfg.Limits.LidarUpload == 0 {
		cfg.Limits.LidarUpload = ByteSize(100 * 1024 * 1024)
	}
	if cfg.Limits.MultispectralUpload == 0 {
		cfg.Limits.MultispectralUpload = ByteSize(100 * 1024 * 1024)
	}
	if cfg.Limits.CHMUpload == 0 {
		cfg.Limits.CHMUpload = ByteSize(50 * 1024 * 1024)
	}

	// Progress stream
	if cfg.Progress.KeepAlive == 0 {
		cfg.Progress.KeepAlive = 15 * time.Second
	}
	if cfg.Progress.IdleTimeout == 0 {
		cfg.Progress.IdleTimeout = 10 * time.Minute
	}
	if cfg.Progress.Redis.Enabled {
		if strings.TrimSpace(cfg.Progress.Redis.Address) == "" {
			cfg.Progress.Redis.Address = "localhost:6379"
		}
		if strings.TrimSpace(cfg.Progress.Redis.ChannelPrefix) == "" {
			cfg.Progress.Redis.ChannelPrefix = "canopyflow:progress:"
		}
	}

	// Processing defaults
	d := &cfg.Defaults
	if d.Lidar.Resolution == 0 {
		d.Lidar.Resolution = 1.0
	}
	if d.Lidar.GroundFilterThreshold == 0 {
		d.Lidar.GroundFilterThreshold = 1.0
	}
	if d.Lidar.SmoothRadius == 0 {
		d.Lidar.SmoothRadius = 2
	}
	if d.TreeDetection.MinHeight == 0 {
		d.TreeDetection.MinHeight = 2.0
	}
	if d.TreeDetection.SmoothSigma == 0 {
		d.TreeDetection.SmoothSigma = 1.0
	}
	if d.TreeDetection.MinDistance == 0 {
		d.TreeDetection.MinDistance = 5
	}
	if d.Carbon.A == 0 {
		d.Carbon.A = 0.05
	}
	if d.Carbon.B == 0 {
		d.Carbon.B = 2.0
	}
	if d.Carbon.C == 0 {
		d.Carbon.C = 1.0
	}
	if d.Carbon.CarbonFactor == 0 {
		d.Carbon.CarbonFactor = 0.5
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug|info|warn|error", cfg.Server.LogLevel)
	}
	if cfg.Server.RegistryBackoff < 0 {
		return errors.New("server.registryBackoff must not be negative")
	}
	if cfg.Progress.KeepAlive < 0 || cfg.Progress.IdleTimeout < 0 {
		return errors.New("progress timeouts must not be negative")
	}
	if cfg.Defaults.Lidar.Resolution < 0 || cfg.Defaults.Lidar.GroundFilterThreshold < 0 || cfg.Defaults.Lidar.SmoothRadius < 0 {
		return errors.New("defaults.lidar values must not be negative")
	}
	if cfg.Defaults.TreeDetection.MinHeight < 0 || cfg.Defaults.TreeDetection.SmoothSigma < 0 || cfg.Defaults.TreeDetection.MinDistance < 0 {
		return errors.New("defaults.treeDetection values must not be negative")
	}
	if cfg.Progress.Redis.Enabled && cfg.Progress.Redis.DB < 0 {
		return fmt.Errorf("progress.redis.db must not be negative")
	}
	return nil
}
