package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("REDIS_PASSWORD", "secret123")

	yaml := `
server:
  address: ":0"
  readTimeout: 1s
  idleTimeout: 3s
  maxUploadSize: 1Mi
  workerCount: 1
  storageDir: "` + escapeBackslashes(dir) + `"
  apiKey: "key123"
  shutdownGrace: 5s
  registryRetries: 3
  registryBackoff: 10ms
  logLevel: debug

tools:
  pdal: /opt/pdal/bin/pdal
  scriptsDir: /srv/scripts

limits:
  chmUpload: 10Mi

progress:
  keepAlive: 2s
  redis:
    enabled: true
    password: "${REDIS_PASSWORD}"

defaults:
  treeDetection:
    minHeight: 3.5
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 1*time.Second || cfg.Server.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts not parsed correctly")
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Fatalf("writeTimeout should stay 0 for streaming, got %v", cfg.Server.WriteTimeout)
	}
	if uint64(cfg.Server.MaxUploadSize) != 1024*1024 {
		t.Fatalf("maxUploadSize not parsed: %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Server.RegistryRetries != 3 || cfg.Server.RegistryBackoff != 10*time.Millisecond {
		t.Fatalf("registry retry settings mismatch: %d %v", cfg.Server.RegistryRetries, cfg.Server.RegistryBackoff)
	}
	if cfg.Server.QueueCapacity != 128 {
		t.Fatalf("queueCapacity default = %d", cfg.Server.QueueCapacity)
	}
	if !strings.HasSuffix(cfg.Server.DatabasePath, "canopyflow.db") {
		t.Fatalf("databasePath should end with canopyflow.db, got %s", cfg.Server.DatabasePath)
	}

	if cfg.Tools.PDAL != "/opt/pdal/bin/pdal" || cfg.Tools.ScriptsDir != "/srv/scripts" {
		t.Fatalf("tools not parsed: %+v", cfg.Tools)
	}
	if cfg.Tools.GDALCalc != "gdal_calc.py" || cfg.Tools.Python != "python" || cfg.Tools.ODMImage != "opendronemap/odm" {
		t.Fatalf("tool defaults missing: %+v", cfg.Tools)
	}

	if uint64(cfg.Limits.CHMUpload) != 10*1024*1024 {
		t.Fatalf("chmUpload = %d", cfg.Limits.CHMUpload)
	}
	if uint64(cfg.Limits.LidarUpload) != 100*1024*1024 {
		t.Fatalf("lidarUpload default = %d", cfg.Limits.LidarUpload)
	}

	if cfg.Progress.KeepAlive != 2*time.Second || cfg.Progress.IdleTimeout != 10*time.Minute {
		t.Fatalf("progress timings mismatch: %+v", cfg.Progress)
	}
	if cfg.Progress.Redis.Password != "secret123" {
		t.Fatalf("env expansion for redis password failed")
	}
	if cfg.Progress.Redis.Address != "localhost:6379" || cfg.Progress.Redis.ChannelPrefix == "" {
		t.Fatalf("redis defaults missing: %+v", cfg.Progress.Redis)
	}

	if cfg.Defaults.TreeDetection.MinHeight != 3.5 || cfg.Defaults.TreeDetection.MinDistance != 5 {
		t.Fatalf("tree detection defaults mismatch: %+v", cfg.Defaults.TreeDetection)
	}
	if cfg.Defaults.Carbon.CarbonFactor != 0.5 || cfg.Defaults.Lidar.SmoothRadius != 2 {
		t.Fatalf("carbon/lidar defaults mismatch: %+v", cfg.Defaults)
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()
	t.Setenv("CANOPYFLOW_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.StorageDir != "data" {
		t.Fatalf("unexpected defaults: %+v", cfg.Server)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Fatalf("storage dir not created: %v", err)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for explicit missing config path")
	}
}

func TestParse_RejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	_, err := Parse([]byte("server:\n  storageDir: \"" + escapeBackslashes(dir) + "\"\n  logLevel: chatty\n"))
	if err == nil || !strings.Contains(err.Error(), "logLevel") {
		t.Fatalf("expected logLevel validation error, got %v", err)
	}
}

func escapeBackslashes(p string) string {
	// On Windows, YAML literal may require escaping backslashes
	return strings.ReplaceAll(p, `\`, `\\`)
}
