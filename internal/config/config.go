package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed mediatypes.yaml
var mediaTypesYAML []byte

type Config struct {
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Broker      BrokerConfig
	Inference   InferenceConfig
	SMTP        SMTPConfig
	Upload      UploadConfig
	Quota       QuotaConfig
	Pipeline    PipelineConfig
	Web         WebConfig
	ScratchRoot string // local scratch root for downloads and index artifacts
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL
	MaxOpenConns int    // Maximum open connections (default 25)
	MaxIdleConns int    // Maximum idle connections (default 5)
}

type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration // presigned download URL validity
}

type BrokerConfig struct {
	URL      string // AMQP connection URL
	Prefetch int    // per-consumer prefetch count, 0 = worker concurrency
}

type InferenceConfig struct {
	URL string // inference service base URL, defaults to http://localhost:8000
	Dim int    // face embedding dimension, defaults to 512
}

type SMTPConfig struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

// UploadConfig bounds a single upload request.
type UploadConfig struct {
	MaxFilesPerRequest int
	MinFileSize        int64
	MaxFileSize        int64
	AllowedMediaTypes  []string
}

// QuotaConfig caps cumulative storage per user and module.
type QuotaConfig struct {
	MaxCullBytes  int64
	MaxShareBytes int64
}

type PipelineConfig struct {
	DuplicateThreshold float64       // cosine similarity above which two images are near-duplicates
	FaceMatchThreshold float64       // minimum similarity score for selfie search hits
	WorkerConcurrency  int           // simultaneous stages per worker process
	VisibilityTimeout  time.Duration // stage deadline before redelivery
	RetryMaxAttempts   int
	RetryBackoffBase   time.Duration
	DownloadRatePerSec float64 // image downloads per second, 0 = unlimited
	SearchLimit        int     // nearest-neighbour search result limit
}

// WebConfig tunes the HTTP surface.
type WebConfig struct {
	AllowedOrigins []string // CORS origin whitelist; localhost is always allowed
}

// mediaTypesFile is the shape of the embedded mediatypes.yaml.
type mediaTypesFile struct {
	Allowed []string `yaml:"allowed"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envInt64 reads an environment variable as a positive int64.
func envInt64(key string, defaultVal int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in (0, 1].
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= 1 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a number of seconds.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func envBool(key string) bool {
	s := os.Getenv(key)
	return strings.EqualFold(s, "true") || s == "1"
}

func Load() *Config {
	var media mediaTypesFile
	if err := yaml.Unmarshal(mediaTypesYAML, &media); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded mediatypes.yaml: " + err.Error())
	}

	allowed := media.Allowed
	if env := os.Getenv("ALLOWED_MEDIA_TYPES"); env != "" {
		allowed = strings.Split(env, ",")
		for i := range allowed {
			allowed[i] = strings.TrimSpace(allowed[i])
		}
	}

	return &Config{
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
			AccessKey: os.Getenv("OBJECT_STORE_ACCESS_KEY"),
			SecretKey: os.Getenv("OBJECT_STORE_SECRET_KEY"),
			Bucket:    os.Getenv("OBJECT_STORE_BUCKET"),
			UseSSL:    envBool("OBJECT_STORE_SSL"),
			URLTTL:    envDuration("PRESIGNED_URL_TTL_SECONDS", time.Hour),
		},
		Broker: BrokerConfig{
			URL:      os.Getenv("BROKER_URL"),
			Prefetch: envInt("BROKER_PREFETCH", 0),
		},
		Inference: InferenceConfig{
			URL: os.Getenv("INFERENCE_URL"),
			Dim: envInt("FACE_EMBEDDING_DIM", 512),
		},
		SMTP: SMTPConfig{
			Host: os.Getenv("SMTP_HOST"),
			Port: os.Getenv("SMTP_PORT"),
			User: os.Getenv("SMTP_USER"),
			Pass: os.Getenv("SMTP_PASS"),
			From: os.Getenv("SMTP_FROM"),
		},
		Upload: UploadConfig{
			MaxFilesPerRequest: envInt("MAX_FILES_PER_REQUEST", 200),
			MinFileSize:        envInt64("MIN_FILE_SIZE_BYTES", 1024),
			MaxFileSize:        envInt64("MAX_FILE_SIZE_BYTES", 50<<20),
			AllowedMediaTypes:  allowed,
		},
		Quota: QuotaConfig{
			MaxCullBytes:  envInt64("MAX_CULL_QUOTA_BYTES", 5<<30),
			MaxShareBytes: envInt64("MAX_SHARE_QUOTA_BYTES", 10<<30),
		},
		Pipeline: PipelineConfig{
			DuplicateThreshold: envFloat("DUPLICATE_SIMILARITY_THRESHOLD", 0.90),
			FaceMatchThreshold: envFloat("FACE_MATCH_THRESHOLD", 0.80),
			WorkerConcurrency:  envInt("WORKER_CONCURRENCY", 4),
			VisibilityTimeout:  envDuration("VISIBILITY_TIMEOUT_SECONDS", 12*time.Hour),
			RetryMaxAttempts:   envInt("RETRY_MAX_ATTEMPTS", 5),
			RetryBackoffBase:   envDuration("RETRY_BACKOFF_BASE_SECONDS", 2*time.Second),
			DownloadRatePerSec: float64(envInt("DOWNLOAD_RATE_PER_SEC", 0)),
			SearchLimit:        envInt("SEARCH_LIMIT", 1000),
		},
		Web: WebConfig{
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		ScratchRoot: scratchRoot(),
	}
}

// envList reads a comma-separated environment variable.
func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func scratchRoot() string {
	if dir := os.Getenv("SCRATCH_ROOT"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// MediaTypeAllowed reports whether the given media type is in the whitelist.
func (c *UploadConfig) MediaTypeAllowed(mediaType string) bool {
	for _, mt := range c.AllowedMediaTypes {
		if strings.EqualFold(mt, mediaType) {
			return true
		}
	}
	return false
}
