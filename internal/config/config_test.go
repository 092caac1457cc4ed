package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
sources:
  - /home
destination: local
backup_dir: /var/backups/snapvault
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.CompressionLevel != DefaultCompressionLevel {
		t.Errorf("CompressionLevel = %d, want %d", cfg.CompressionLevel, DefaultCompressionLevel)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
	if cfg.RetentionDays != DefaultRetentionDays {
		t.Errorf("RetentionDays = %d, want %d", cfg.RetentionDays, DefaultRetentionDays)
	}
	if cfg.ChunkTimeout != DefaultChunkTimeout {
		t.Errorf("ChunkTimeout = %v, want %v", cfg.ChunkTimeout, DefaultChunkTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadHonorsExplicitZeroCompression(t *testing.T) {
	path := writeConfig(t, `
sources:
  - /home
destination: local
backup_dir: /var/backups/snapvault
compression_level: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CompressionLevel != 0 {
		t.Errorf("CompressionLevel = %d, want 0", cfg.CompressionLevel)
	}
}

func TestLoadMergesDefaultExcludes(t *testing.T) {
	path := writeConfig(t, `
sources:
  - /home
destination: local
backup_dir: /var/backups/snapvault
excludes:
  - "*.log"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	found := map[string]bool{}
	for _, pattern := range cfg.Excludes {
		found[pattern] = true
	}
	if !found["*.log"] {
		t.Error("user exclude *.log missing")
	}
	for _, pattern := range DefaultExcludes {
		if !found[pattern] {
			t.Errorf("default exclude %q missing", pattern)
		}
	}
}

func TestLoadRemotePortDefault(t *testing.T) {
	path := writeConfig(t, `
sources:
  - /srv
destination: sftp
remote:
  host: backup.example.com
  user: backup
  key_file: /etc/snapvault/id_ed25519
  root_path: /srv/backups
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.Port != 22 {
		t.Errorf("Remote.Port = %d, want 22", cfg.Remote.Port)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Sources = []string{"/home"}
		cfg.BackupDir = "/var/backups"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"no sources", func(c *Config) { c.Sources = nil }, "source"},
		{"relative source", func(c *Config) { c.Sources = []string{"home"} }, "absolute"},
		{"bad compression", func(c *Config) { c.CompressionLevel = 12 }, "compression_level"},
		{"encryption without key", func(c *Config) { c.Encryption.Enabled = true }, "key_file"},
		{"negative ceiling", func(c *Config) { c.MaxBackupBytes = -1 }, "max_backup_bytes"},
		{"local without dir", func(c *Config) { c.BackupDir = "" }, "backup_dir"},
		{"sftp without remote", func(c *Config) { c.Destination = DestinationSFTP }, "remote"},
		{"s3 without section", func(c *Config) { c.Destination = DestinationS3 }, "s3"},
		{"unknown destination", func(c *Config) { c.Destination = "ftp" }, "destination"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestDestinationRef(t *testing.T) {
	cfg := Default()
	cfg.BackupDir = "/var/backups"
	if got := cfg.DestinationRef(); got != "file:///var/backups" {
		t.Errorf("local ref = %q", got)
	}

	cfg.Destination = DestinationSFTP
	cfg.Remote = &RemoteConfig{Host: "backup.example.com", Port: 22, User: "backup", RootPath: "/srv"}
	if got := cfg.DestinationRef(); got != "sftp://backup@backup.example.com:22/srv" {
		t.Errorf("sftp ref = %q", got)
	}

	cfg.Destination = DestinationS3
	cfg.S3 = &S3Config{Bucket: "vault", Prefix: "prod"}
	if got := cfg.DestinationRef(); got != "s3://vault/prod" {
		t.Errorf("s3 ref = %q", got)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sources = []string{"/data"}
	cfg.BackupDir = "/var/backups"
	cfg.ChunkTimeout = 90 * time.Second

	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ChunkTimeout != 90*time.Second {
		t.Errorf("ChunkTimeout = %v, want 90s", loaded.ChunkTimeout)
	}
	if len(loaded.Sources) != 1 || loaded.Sources[0] != "/data" {
		t.Errorf("Sources = %v", loaded.Sources)
	}
}
