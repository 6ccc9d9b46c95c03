// Package config loads streamgate settings from a YAML file, an optional
// .env file, and STREAMGATE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamgate/internal/storage"

	"github.com/gnitoahc/go-dotenv"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "STREAMGATE_"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Upload  UploadConfig  `yaml:"upload"`
	Signer  SignerConfig  `yaml:"signer"`
}

type ServerConfig struct {
	Address             string `yaml:"address"`
	Port                int    `yaml:"port"`
	BlockSize           int    `yaml:"block_size"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

type StorageConfig struct {
	Driver  string              `yaml:"driver"` // local, minio or s3
	DataDir string              `yaml:"data_dir"`
	Minio   storage.MinioConfig `yaml:"minio"`
	S3      storage.S3Config    `yaml:"s3"`
}

type CacheConfig struct {
	TTLSecs      int    `yaml:"ttl_secs"`
	Shards       int    `yaml:"shards"`
	SingleFlight bool   `yaml:"single_flight"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPrefix  string `yaml:"redis_prefix"`
}

type UploadConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	MaxRetries    int    `yaml:"max_retries"`
	Parallel      int    `yaml:"parallel"`
	SignedTTLSecs int    `yaml:"signed_ttl_secs"`
	Prefix        string `yaml:"prefix"`
	JournalPath   string `yaml:"journal_path"`
}

type SignerConfig struct {
	Driver  string `yaml:"driver"` // hmac or minio
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// Default returns the settings used when nothing overrides them.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                9000,
			BlockSize:           256 << 10,
			ShutdownTimeoutSecs: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver:  "local",
			DataDir: "./data",
			Minio: storage.MinioConfig{
				Region: "us-east-1",
			},
			S3: storage.S3Config{
				Region: "auto",
			},
		},
		Cache: CacheConfig{
			TTLSecs:      300,
			Shards:       16,
			SingleFlight: true,
			RedisPrefix:  "streamgate:meta:",
		},
		Upload: UploadConfig{
			ChunkSize:     8 << 20,
			MaxRetries:    3,
			Parallel:      4,
			SignedTTLSecs: 900,
			Prefix:        "uploads",
			JournalPath:   "./data/journal.sqlite",
		},
		Signer: SignerConfig{
			Driver: "hmac",
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv loads envFile, when given, into the process environment and then
// applies every STREAMGATE_* variable that is set.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			dotenv.Load(envFile)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		*dst = dotenv.Get(EnvPrefix+key, *dst)
	}
	num := func(key string, dst *int) {
		v := dotenv.Get(EnvPrefix+key, "")
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := dotenv.Get(EnvPrefix+key, "")
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = b
	}

	str("ADDRESS", &c.Server.Address)
	num("PORT", &c.Server.Port)
	num("BLOCK_SIZE", &c.Server.BlockSize)
	str("LOG_LEVEL", &c.Logging.Level)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("DATA_DIR", &c.Storage.DataDir)
	str("MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	str("MINIO_BUCKET", &c.Storage.Minio.Bucket)
	str("MINIO_REGION", &c.Storage.Minio.Region)
	flag("MINIO_SECURE", &c.Storage.Minio.Secure)
	str("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	str("S3_REGION", &c.Storage.S3.Region)
	str("S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	str("S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	str("S3_BUCKET", &c.Storage.S3.Bucket)
	flag("S3_PATH_STYLE", &c.Storage.S3.UsePathStyle)

	num("CACHE_TTL_SECS", &c.Cache.TTLSecs)
	num("CACHE_SHARDS", &c.Cache.Shards)
	flag("CACHE_SINGLE_FLIGHT", &c.Cache.SingleFlight)
	str("REDIS_ADDR", &c.Cache.RedisAddr)
	str("REDIS_PREFIX", &c.Cache.RedisPrefix)

	num("CHUNK_SIZE", &c.Upload.ChunkSize)
	num("MAX_RETRIES", &c.Upload.MaxRetries)
	num("PARALLEL", &c.Upload.Parallel)
	num("SIGNED_TTL_SECS", &c.Upload.SignedTTLSecs)
	str("UPLOAD_PREFIX", &c.Upload.Prefix)
	str("JOURNAL_PATH", &c.Upload.JournalPath)

	str("SIGNER_DRIVER", &c.Signer.Driver)
	str("SIGNER_BASE_URL", &c.Signer.BaseURL)
	str("SIGNER_SECRET", &c.Signer.Secret)

	return errors.Join(errs...)
}

// Validate reports every setting that cannot work, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the local driver"))
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			errs = append(errs, errors.New("storage.minio.endpoint and storage.minio.bucket are required"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of local, minio, s3", c.Storage.Driver))
	}

	if c.Cache.TTLSecs <= 0 {
		errs = append(errs, errors.New("cache.ttl_secs must be positive"))
	}

	const alignment = 256 << 10
	if c.Upload.ChunkSize <= 0 || c.Upload.ChunkSize%alignment != 0 {
		errs = append(errs, fmt.Errorf("upload.chunk_size %d must be a positive multiple of 256 KiB", c.Upload.ChunkSize))
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, errors.New("upload.max_retries must not be negative"))
	}
	if c.Upload.Parallel <= 0 {
		errs = append(errs, errors.New("upload.parallel must be positive"))
	}

	switch c.Signer.Driver {
	case "hmac":
		if c.Signer.BaseURL != "" && c.Signer.Secret == "" {
			errs = append(errs, errors.New("signer.secret is required when signer.base_url is set"))
		}
	case "minio":
		if c.Storage.Driver != "minio" {
			errs = append(errs, errors.New("the minio signer needs storage.driver minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("signer.driver %q is not one of hmac, minio", c.Signer.Driver))
	}

	return errors.Join(errs...)
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSecs) * time.Second
}

func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.Upload.SignedTTLSecs) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSecs) * time.Second
}
