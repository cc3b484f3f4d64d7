// Package config defines the configuration surface of the virtual
// filesystem: credentials, endpoint addressing, upload chunk sizing, and
// retry parameters. Options load from a YAML file, from environment
// variables, or both (environment wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	"github.com/OSGeo/gdal-sub056/pkg/retry"
)

// Provider identifies the object-store dialect.
type Provider string

const (
	ProviderS3  Provider = "s3"
	ProviderOSS Provider = "oss"
)

// Upload chunk-size bounds. The store rejects parts below the minimum
// (except the last) and uploads above 10000 parts.
const (
	MinChunkSize     = 5 * 1024 * 1024
	MaxChunkSize     = 1000 * 1024 * 1024
	DefaultChunkSize = 50 * 1024 * 1024
	MaxPartCount     = 10000
)

// Listing and batching limits imposed by the wire protocol.
const (
	DefaultMaxKeys     = 1000
	MaxDeleteBatchSize = 1000
)

// Options configures a FileSystem instance.
type Options struct {
	Provider Provider `yaml:"provider"`

	// Credentials. When AccessKeyID/SecretAccessKey are empty the default
	// provider chain is consulted (environment, shared profile,
	// web-identity, assumed role), then EC2 instance metadata when
	// enabled.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	UseEC2Metadata  bool   `yaml:"use_ec2_metadata"`

	// Addressing.
	Endpoint       string `yaml:"endpoint"`
	UseHTTPS       bool   `yaml:"use_https"`
	VirtualHosting bool   `yaml:"virtual_hosting"`
	RequestPayer   string `yaml:"request_payer"`

	// ChunkSize is the write-handle buffer and multipart part size.
	// Accepts raw bytes or humanized values such as "64MiB"; clamped to
	// [MinChunkSize, MaxChunkSize].
	ChunkSize string `yaml:"chunk_size"`

	// DirectoryMarkers makes Mkdir create a zero-byte "path/" object.
	DirectoryMarkers bool `yaml:"directory_markers"`

	// MaxKeys bounds one listing page.
	MaxKeys int `yaml:"max_keys"`

	// NumThreads is the sync-engine worker count.
	NumThreads int `yaml:"num_threads"`

	// Retry holds the HTTP retry policy parameters shared by every
	// network operation.
	Retry retry.Config `yaml:"retry"`

	// RequestTimeout bounds a single HTTP attempt, zero for no limit.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns options with the standard defaults applied.
func Default() *Options {
	return &Options{
		Provider:       ProviderS3,
		UseHTTPS:       true,
		VirtualHosting: true,
		MaxKeys:        DefaultMaxKeys,
		NumThreads:     10,
		Retry:          retry.DefaultConfig(),
	}
}

// Load reads options from a YAML file and applies environment overrides.
func Load(path string) (*Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	opts.applyEnv()
	return opts.normalize()
}

// FromEnv builds options from environment variables only.
func FromEnv() (*Options, error) {
	opts := Default()
	opts.applyEnv()
	return opts.normalize()
}

func (o *Options) applyEnv() {
	setIfPresent := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	setIfPresent(&o.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setIfPresent(&o.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setIfPresent(&o.SessionToken, "AWS_SESSION_TOKEN")
	setIfPresent(&o.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	setIfPresent(&o.Profile, "AWS_PROFILE")
	setIfPresent(&o.Endpoint, "AWS_S3_ENDPOINT")
	setIfPresent(&o.RequestPayer, "AWS_REQUEST_PAYER")
	setIfPresent(&o.ChunkSize, "VFS_CHUNK_SIZE")
	if v := os.Getenv("VFS_MAX_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("VFS_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.Retry.InitialDelay = d
		}
	}
}

func (o *Options) normalize() (*Options, error) {
	if o.Provider == "" {
		o.Provider = ProviderS3
	}
	if o.Provider != ProviderS3 && o.Provider != ProviderOSS {
		return nil, fmt.Errorf("unknown provider %q", o.Provider)
	}
	if o.MaxKeys <= 0 {
		o.MaxKeys = DefaultMaxKeys
	}
	if o.NumThreads <= 0 {
		o.NumThreads = 10
	}
	if _, err := o.ChunkSizeBytes(); err != nil {
		return nil, err
	}
	return o, nil
}

// ChunkSizeBytes parses and clamps the configured chunk size. Values
// outside the provider's legal range are clamped with a warning rather
// than rejected.
func (o *Options) ChunkSizeBytes() (int64, error) {
	if o.ChunkSize == "" {
		return DefaultChunkSize, nil
	}
	var parsed uint64
	// Bare numbers are MiB counts for compatibility with older configs.
	if n, err := strconv.Atoi(o.ChunkSize); err == nil {
		parsed = uint64(n) * 1024 * 1024
	} else {
		parsed, err = humanize.ParseBytes(o.ChunkSize)
		if err != nil {
			return 0, fmt.Errorf("invalid chunk_size %q: %w", o.ChunkSize, err)
		}
	}
	size := int64(parsed)
	if size < MinChunkSize {
		slog.Warn("chunk size below provider minimum, clamping",
			"requested", size, "minimum", int64(MinChunkSize))
		size = MinChunkSize
	}
	if size > MaxChunkSize {
		slog.Warn("chunk size above provider maximum, clamping",
			"requested", size, "maximum", int64(MaxChunkSize))
		size = MaxChunkSize
	}
	return size, nil
}

// DefaultEndpoint returns the endpoint host for the provider, taking the
// configured region into account when no explicit endpoint is set.
func (o *Options) DefaultEndpoint() string {
	if o.Endpoint != "" {
		return o.Endpoint
	}
	switch o.Provider {
	case ProviderOSS:
		if o.Region != "" {
			return "oss-" + o.Region + ".aliyuncs.com"
		}
		return "oss.aliyuncs.com"
	default:
		if o.Region != "" && o.Region != "us-east-1" {
			return "s3." + o.Region + ".amazonaws.com"
		}
		return "s3.amazonaws.com"
	}
}
