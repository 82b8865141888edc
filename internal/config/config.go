// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config
//
// capture client 와 relay 가 쓰는 모든 설정.
// Load() 에서 한 번만 결정되고 (기본값 → YAML 파일(선택) → 환경변수),
// 이후에는 읽기 전용으로 취급한다.
type Config struct {

	// ---------------------------
	// Identity / logging
	// ---------------------------

	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"` // hostname, 없으면 random hex
	Version     string `yaml:"version"`     // `ver` query parameter 로 전송

	LogLevel   string `yaml:"log_level"`
	LogPretty  bool   `yaml:"log_pretty"`
	LogSampleN uint32 `yaml:"log_sample_n"` // Debug/Info 는 1/N 만, Warn/Error 는 항상

	// ---------------------------
	// Collector
	// ---------------------------

	APIHost string `yaml:"api_host"` // 예: https://collector.example.com
	Token   string `yaml:"token"`

	CaptureIP      bool          `yaml:"capture_ip"`
	Compression    string        `yaml:"compression"` // "", "gzip-js", "base64"
	Transport      string        `yaml:"transport"`   // "XHR", "fetch", "sendBeacon"
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// 이 크기를 넘는 body 는 keepalive / beacon 을 쓰지 않는다.
	KeepAliveMaxBytes int `yaml:"keepalive_max_bytes"`

	// ---------------------------
	// Relay HTTP
	// ---------------------------

	HTTPAddr    string `yaml:"http_addr"`
	MaxBodySize int64  `yaml:"max_body_size"`

	// ---------------------------
	// 배치
	// ---------------------------

	ChannelSize   int           `yaml:"channel_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	// ---------------------------
	// Retry / rate limiting
	// ---------------------------

	RetryPollInterval     time.Duration `yaml:"retry_poll_interval"`
	RetryFlushConcurrency int           `yaml:"retry_flush_concurrency"`
	NetworkProbeInterval  time.Duration `yaml:"network_probe_interval"`

	ExceptionBucketSize float64 `yaml:"exception_bucket_size"`
	ExceptionRefillRate float64 `yaml:"exception_refill_rate"`

	// ---------------------------
	// Session / recording
	// ---------------------------

	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	SessionMaxLength   time.Duration `yaml:"session_max_length"`
	ReplayBufferSize   int           `yaml:"replay_buffer_size"`

	// ---------------------------
	// Persistence (RedisAddr 비어 있으면 in-memory)
	// ---------------------------

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`

	// ---------------------------
	// Dead letters (DLQDir 비어 있으면 비활성)
	// ---------------------------

	DLQDir          string        `yaml:"dlq_dir"`
	DLQMaxAge       time.Duration `yaml:"dlq_max_age"`
	DLQMaxSizeBytes int64         `yaml:"dlq_max_size_bytes"`

	// dead letter 의 S3 보관 (ArchiveBucket 비어 있으면 보관 안 함)
	AWSRegion     string        `yaml:"aws_region"`
	ArchiveBucket string        `yaml:"archive_bucket"`
	ArchivePrefix string        `yaml:"archive_prefix"`
	S3Timeout     time.Duration `yaml:"s3_timeout"`
	S3AppRetries  int           `yaml:"s3_app_retries"`
}

// Default 는 다른 설정 소스들이 덮어쓸 기본값이다.
func Default() Config {
	return Config{
		ServiceName: "estat-capture",
		InstanceID:  fallbackInstanceID(),
		Version:     "1.0.0",

		LogLevel:   "info",
		LogSampleN: 1,

		CaptureIP:         true,
		RequestTimeout:    60 * time.Second,
		Transport:         "XHR",
		KeepAliveMaxBytes: 400 * 1024,

		HTTPAddr:    ":8080",
		MaxBodySize: 1 << 20,

		ChannelSize:   10000,
		BatchSize:     100,
		FlushInterval: 3 * time.Second,

		RetryPollInterval:     3 * time.Second,
		RetryFlushConcurrency: 4,
		NetworkProbeInterval:  10 * time.Second,

		ExceptionBucketSize: 10,
		ExceptionRefillRate: 1,

		SessionIdleTimeout: 30 * time.Minute,
		SessionMaxLength:   24 * time.Hour,
		ReplayBufferSize:   1000,

		RedisPrefix: "estat:capture:",

		DLQMaxAge:       72 * time.Hour,
		DLQMaxSizeBytes: 256 << 20,

		ArchivePrefix: "capture-dlq",
		S3Timeout:     5 * time.Second,
		S3AppRetries:  3,
	}
}

// Load
//
// 기본값 → path 의 YAML 파일 (path 가 비어 있으면 skip) → 환경변수 순서.
// 마지막에 Validate 를 거치며, caller 는 에러가 나면 바로 종료한다 (fail fast).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := overlayEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 는 동작할 수 없는 첫 번째 설정을 에러로 알려준다.
func (c Config) Validate() error {
	if c.APIHost == "" {
		return fmt.Errorf("missing required setting: api_host (CAPTURE_API_HOST)")
	}
	if c.Token == "" {
		return fmt.Errorf("missing required setting: token (CAPTURE_TOKEN)")
	}
	switch c.Compression {
	case "", "gzip-js", "base64":
	default:
		return fmt.Errorf("invalid compression %q", c.Compression)
	}
	switch c.Transport {
	case "XHR", "fetch", "sendBeacon":
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.ChannelSize <= 0 {
		return fmt.Errorf("channel_size must be positive, got %d", c.ChannelSize)
	}
	if c.FlushInterval <= 0 || c.RetryPollInterval <= 0 {
		return fmt.Errorf("flush_interval and retry_poll_interval must be positive")
	}
	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// overlayEnv
//
// 설정된 환경변수만 현재 값을 덮어쓴다.
// 형식이 잘못된 값은 조용히 무시하지 않고 에러로 반환한다.
func overlayEnv(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("invalid int env %s=%q", key, v))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("invalid int64 env %s=%q", key, v))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("invalid float env %s=%q", key, v))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("invalid bool env %s=%q", key, v))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("invalid duration env %s=%q", key, v))
				return
			}
			*dst = d
		}
	}

	str("SERVICE_NAME", &cfg.ServiceName)
	str("INSTANCE_ID", &cfg.InstanceID)
	str("CAPTURE_VERSION", &cfg.Version)
	str("LOG_LEVEL", &cfg.LogLevel)
	boolean("LOG_PRETTY", &cfg.LogPretty)
	if v, ok := lookup("LOG_SAMPLE_N"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid uint env LOG_SAMPLE_N=%q", v))
		} else {
			cfg.LogSampleN = uint32(n)
		}
	}

	str("CAPTURE_API_HOST", &cfg.APIHost)
	str("CAPTURE_TOKEN", &cfg.Token)
	boolean("CAPTURE_IP", &cfg.CaptureIP)
	str("COMPRESSION", &cfg.Compression)
	str("TRANSPORT", &cfg.Transport)
	dur("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	integer("KEEPALIVE_MAX_BYTES", &cfg.KeepAliveMaxBytes)

	str("HTTP_ADDR", &cfg.HTTPAddr)
	int64v("MAX_BODY_SIZE", &cfg.MaxBodySize)

	integer("CHANNEL_SIZE", &cfg.ChannelSize)
	integer("BATCH_SIZE", &cfg.BatchSize)
	dur("FLUSH_INTERVAL", &cfg.FlushInterval)

	dur("RETRY_POLL_INTERVAL", &cfg.RetryPollInterval)
	integer("RETRY_FLUSH_CONCURRENCY", &cfg.RetryFlushConcurrency)
	dur("NETWORK_PROBE_INTERVAL", &cfg.NetworkProbeInterval)
	float("EXCEPTION_BUCKET_SIZE", &cfg.ExceptionBucketSize)
	float("EXCEPTION_REFILL_RATE", &cfg.ExceptionRefillRate)

	dur("SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout)
	dur("SESSION_MAX_LENGTH", &cfg.SessionMaxLength)
	integer("REPLAY_BUFFER_SIZE", &cfg.ReplayBufferSize)

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PREFIX", &cfg.RedisPrefix)

	str("DLQ_DIR", &cfg.DLQDir)
	dur("DLQ_MAX_AGE", &cfg.DLQMaxAge)
	int64v("DLQ_MAX_SIZE_BYTES", &cfg.DLQMaxSizeBytes)

	str("AWS_REGION", &cfg.AWSRegion)
	str("ARCHIVE_BUCKET", &cfg.ArchiveBucket)
	str("ARCHIVE_PREFIX", &cfg.ArchivePrefix)
	dur("S3_TIMEOUT", &cfg.S3Timeout)
	integer("S3_APP_RETRIES", &cfg.S3AppRetries)

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// fallbackInstanceID
//
// hostname 우선, 얻을 수 없으면 random hex 12자리.
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
