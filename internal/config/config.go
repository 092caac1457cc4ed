// Package config provides configuration management for the SnapVault engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DestinationType identifies where completed backups are stored.
type DestinationType string

const (
	DestinationLocal DestinationType = "local"
	DestinationSFTP  DestinationType = "sftp"
	DestinationS3    DestinationType = "s3"
)

// Default tuning values applied by Load when the file omits them.
const (
	DefaultChunkSize        = 4 * 1024 * 1024
	DefaultCompressionLevel = 6
	DefaultRetentionDays    = 30
	DefaultChunkRetries     = 5
	DefaultChunkTimeout     = 2 * time.Minute
	DefaultPipelineWorkers  = 4
)

// DefaultExcludes are always merged with user-supplied exclude patterns.
// They cover virtual filesystems and churn files that never belong in a
// system backup.
var DefaultExcludes = []string{
	"/proc/**",
	"/sys/**",
	"/dev/**",
	"/run/**",
	"/tmp/**",
	"*.tmp",
	"*.cache",
	"pagefile.sys",
	"hiberfil.sys",
	"swapfile.sys",
}

// RemoteConfig holds the remote destination endpoint.
type RemoteConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user"`
	KeyFile  string `yaml:"key_file"`
	HostKey  string `yaml:"host_key,omitempty"` // base64-encoded SSH public key
	RootPath string `yaml:"root_path"`
}

// S3Config holds the S3 destination endpoint.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// EncryptionConfig controls the optional encryption stage of the pipeline.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyFile string `yaml:"key_file,omitempty"`
}

// Config holds the engine configuration.
type Config struct {
	// DataDir holds the catalog index and per-backup manifests.
	DataDir string `yaml:"data_dir,omitempty"`

	// Sources are the filesystem roots to capture.
	Sources []string `yaml:"sources"`

	// Excludes are glob patterns skipped during the walk, merged with
	// DefaultExcludes.
	Excludes []string `yaml:"excludes,omitempty"`

	// FollowSymlinks walks through symlinks instead of recording them.
	FollowSymlinks bool `yaml:"follow_symlinks,omitempty"`

	CompressionLevel int              `yaml:"compression_level"`
	Encryption       EncryptionConfig `yaml:"encryption,omitempty"`

	RetentionDays int `yaml:"retention_days,omitempty"`

	// MaxBackupBytes aborts a backup before commit when the projected
	// size exceeds it. Zero disables the ceiling.
	MaxBackupBytes int64 `yaml:"max_backup_bytes,omitempty"`

	Destination DestinationType `yaml:"destination"`
	BackupDir   string          `yaml:"backup_dir,omitempty"`
	Remote      *RemoteConfig   `yaml:"remote,omitempty"`
	S3          *S3Config       `yaml:"s3,omitempty"`

	ChunkSize       int64         `yaml:"chunk_size,omitempty"`
	ChunkRetries    int           `yaml:"chunk_retries,omitempty"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout,omitempty"`
	PipelineWorkers int           `yaml:"pipeline_workers,omitempty"`

	// VerifyFull sweeps every manifest entry after a backup instead of
	// the default sample.
	VerifyFull bool `yaml:"verify_full,omitempty"`

	// ListenAddr is the bind address for the query API (serve command).
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.snapvault).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".snapvault"), nil
}

// DefaultConfigPath returns the default config file path (~/.snapvault/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Load reads the configuration from the given path. Defaults are set
// before unmarshalling so an omitted field keeps its default while an
// explicit zero (e.g. compression_level: 0) is honored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a Config populated with default tuning values.
func Default() *Config {
	return &Config{
		CompressionLevel: DefaultCompressionLevel,
		RetentionDays:    DefaultRetentionDays,
		ChunkSize:        DefaultChunkSize,
		ChunkRetries:     DefaultChunkRetries,
		ChunkTimeout:     DefaultChunkTimeout,
		PipelineWorkers:  DefaultPipelineWorkers,
		Destination:      DestinationLocal,
		ListenAddr:       "127.0.0.1:8321",
	}
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if dir, err := DefaultConfigDir(); err == nil {
			c.DataDir = dir
		}
	}
	if c.Remote != nil && c.Remote.Port == 0 {
		c.Remote.Port = 22
	}
	c.Excludes = append(append([]string{}, DefaultExcludes...), c.Excludes...)
}

// Validate checks that the configuration is complete enough to run a
// backup. It is called before any I/O; a failure here is fatal.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.New("at least one source root is required")
	}
	for _, s := range c.Sources {
		if !filepath.IsAbs(s) {
			return fmt.Errorf("source %q must be an absolute path", s)
		}
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level %d out of range 0-9", c.CompressionLevel)
	}
	if c.Encryption.Enabled && c.Encryption.KeyFile == "" {
		return errors.New("encryption enabled but no key_file configured")
	}
	if c.MaxBackupBytes < 0 {
		return errors.New("max_backup_bytes must not be negative")
	}
	switch c.Destination {
	case DestinationLocal:
		if c.BackupDir == "" {
			return errors.New("backup_dir is required for local destination")
		}
	case DestinationSFTP:
		if c.Remote == nil {
			return errors.New("remote section is required for sftp destination")
		}
		if c.Remote.Host == "" {
			return errors.New("remote host is required")
		}
		if c.Remote.User == "" {
			return errors.New("remote user is required")
		}
		if c.Remote.KeyFile == "" {
			return errors.New("remote key_file is required")
		}
		if c.Remote.RootPath == "" {
			return errors.New("remote root_path is required")
		}
	case DestinationS3:
		if c.S3 == nil {
			return errors.New("s3 section is required for s3 destination")
		}
		if c.S3.Bucket == "" {
			return errors.New("s3 bucket is required")
		}
		if c.S3.Region == "" {
			return errors.New("s3 region is required")
		}
	default:
		return fmt.Errorf("unsupported destination type: %s", c.Destination)
	}
	return nil
}

// DestinationRef returns a stable string identifying the destination,
// used for catalog records and per-destination locking.
func (c *Config) DestinationRef() string {
	switch c.Destination {
	case DestinationSFTP:
		return fmt.Sprintf("sftp://%s@%s:%d%s", c.Remote.User, c.Remote.Host, c.Remote.Port, c.Remote.RootPath)
	case DestinationS3:
		return fmt.Sprintf("s3://%s/%s", c.S3.Bucket, c.S3.Prefix)
	default:
		return "file://" + c.BackupDir
	}
}

// Save writes the configuration to the given path, creating directories
// as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
