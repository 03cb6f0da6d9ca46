// Package config loads typed, defaulted configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds optional Axiom log-forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// JobEngineConfig governs the job queue and worker pool.
type JobEngineConfig struct {
	MaxConcurrent    int
	MaxQueueSize     int
	JobRetentionDays int
	SweepInterval    time.Duration
}

// CircuitConfig governs the circuit breaker thresholds, shared by every adapter.
type CircuitConfig struct {
	FailureThreshold int
	Window           time.Duration
	OpenDuration     time.Duration
	ProbeTimeout     time.Duration
}

// RetryConfig governs adapter-level retry backoff.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
	Factor      float64
}

// AdapterTimeouts are the per-external-call timeouts.
type AdapterTimeouts struct {
	OCR      time.Duration
	Quality  time.Duration
	Layout   time.Duration
	LLM      time.Duration
	Embedder time.Duration
}

// AdapterURLs locates the opaque external-service collaborators: OCR,
// OCR-quality scoring, layout analysis, structured/simple LLM metadata
// extraction, and the embedder. Each is treated as an HTTP endpoint behind
// its own circuit breaker; none of their internals are this system's concern.
type AdapterURLs struct {
	OCR           string
	Quality       string
	Layout        string
	StructuredLLM string
	SimpleLLM     string
	Embedder      string
}

// DedupConfig governs the duplicate-detection tier thresholds.
type DedupConfig struct {
	L3Threshold float64
}

// UploadConfig governs the file-security validator.
type UploadConfig struct {
	MaxBytes          int64
	MinBytes          int64
	AllowedExtensions []string
	QuarantineEnabled bool
	QuarantineDir     string
	UploadsPerHour    int
	UploadsPerDay     int
	TrustForwardedFor bool
}

// BackupConfig governs backup retention and scheduling.
type BackupConfig struct {
	DailyRetentionDays   int
	WeeklyRetentionDays  int
	MonthlyRetentionDays int
	Dir                  string
}

// StorageConfig locates the relational DB, vector store dir and blob root.
type StorageConfig struct {
	SQLitePath  string
	VectorDir   string
	PDFDir      string
	ImageDir    string
	TempDir     string
	S3Bucket    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// ServerConfig holds the HTTP listener address and the admin capability
// token gating the backup/restore/consistency endpoints.
type ServerConfig struct {
	Port       string
	AdminToken string
}

// QueueConfig defines Redis connectivity shared by job queue and breaker state.
type QueueConfig struct {
	RedisURL     string
	PollInterval time.Duration
}

// Config is the top-level configuration, loaded once at startup.
type Config struct {
	Logging  LoggingConfig
	Axiom    AxiomConfig
	Job      JobEngineConfig
	Circuit  CircuitConfig
	Retry    RetryConfig
	Timeouts AdapterTimeouts
	Adapters AdapterURLs
	Dedup    DedupConfig
	Upload   UploadConfig
	Backup   BackupConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Server   ServerConfig
}

// FromEnv loads configuration from the environment, falling back to defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/ingestd.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       getEnv("AXIOM_DATASET", "dev") + "_ingestd",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Job = JobEngineConfig{
		MaxConcurrent:    parseInt(getEnv("MAX_CONCURRENT", "3"), 3),
		MaxQueueSize:     parseInt(getEnv("MAX_QUEUE_SIZE", "100"), 100),
		JobRetentionDays: parseInt(getEnv("JOB_RETENTION_DAYS", "7"), 7),
		SweepInterval:    parseDuration(getEnv("JOB_SWEEP_INTERVAL", "24h"), 24*time.Hour),
	}

	cfg.Circuit = CircuitConfig{
		FailureThreshold: parseInt(getEnv("CIRCUIT_FAILURE_THRESHOLD", "5"), 5),
		Window:           parseDuration(getEnv("CIRCUIT_WINDOW", "60s"), 60*time.Second),
		OpenDuration:     parseDuration(getEnv("CIRCUIT_OPEN_DURATION_S", "60s"), 60*time.Second),
		ProbeTimeout:     parseDuration(getEnv("CIRCUIT_PROBE_TIMEOUT_S", "30s"), 30*time.Second),
	}

	cfg.Retry = RetryConfig{
		MaxAttempts: parseInt(getEnv("RETRY_MAX_ATTEMPTS", "3"), 3),
		BaseDelay:   parseDuration(getEnv("RETRY_BASE_S", "500ms"), 500*time.Millisecond),
		CapDelay:    parseDuration(getEnv("RETRY_CAP_S", "8s"), 8*time.Second),
		Factor:      parseFloat(getEnv("RETRY_FACTOR", "2.0"), 2.0),
	}

	cfg.Timeouts = AdapterTimeouts{
		OCR:      parseDuration(getEnv("TIMEOUT_OCR", "600s"), 600*time.Second),
		Quality:  parseDuration(getEnv("TIMEOUT_QUALITY", "60s"), 60*time.Second),
		Layout:   parseDuration(getEnv("TIMEOUT_LAYOUT", "300s"), 300*time.Second),
		LLM:      parseDuration(getEnv("TIMEOUT_LLM", "120s"), 120*time.Second),
		Embedder: parseDuration(getEnv("TIMEOUT_EMBEDDER", "120s"), 120*time.Second),
	}

	cfg.Adapters = AdapterURLs{
		OCR:           getEnv("OCR_SERVICE_URL", "http://localhost:9001"),
		Quality:       getEnv("QUALITY_SERVICE_URL", "http://localhost:9002"),
		Layout:        getEnv("LAYOUT_SERVICE_URL", "http://localhost:9003"),
		StructuredLLM: getEnv("STRUCTURED_LLM_URL", "http://localhost:9004"),
		SimpleLLM:     getEnv("SIMPLE_LLM_URL", "http://localhost:9005"),
		Embedder:      getEnv("EMBEDDER_SERVICE_URL", "http://localhost:9006"),
	}

	cfg.Dedup = DedupConfig{
		L3Threshold: parseFloat(getEnv("DEDUP_L3_THRESHOLD", "0.95"), 0.95),
	}

	cfg.Upload = UploadConfig{
		MaxBytes:          parseInt64(getEnv("UPLOAD_MAX_MB", "100"), 100) * 1024 * 1024,
		MinBytes:          parseInt64(getEnv("UPLOAD_MIN_BYTES", "1024"), 1024),
		AllowedExtensions: []string{".pdf"},
		QuarantineEnabled: parseBool(getEnv("QUARANTINE_ENABLED", "true")),
		QuarantineDir:     getEnv("QUARANTINE_DIR", "quarantine"),
		UploadsPerHour:    parseInt(getEnv("RATE_UPLOADS_PER_HOUR", "50"), 50),
		UploadsPerDay:     parseInt(getEnv("RATE_UPLOADS_PER_DAY", "200"), 200),
		TrustForwardedFor: parseBool(getEnv("TRUST_FORWARDED_FOR", "false")),
	}

	cfg.Backup = BackupConfig{
		DailyRetentionDays:   parseInt(getEnv("BACKUP_DAILY_RETENTION_DAYS", "7"), 7),
		WeeklyRetentionDays:  parseInt(getEnv("BACKUP_WEEKLY_RETENTION_DAYS", "30"), 30),
		MonthlyRetentionDays: parseInt(getEnv("BACKUP_MONTHLY_RETENTION_DAYS", "90"), 90),
		Dir:                  getEnv("BACKUP_DIR", "backups"),
	}

	cfg.Storage = StorageConfig{
		SQLitePath: getEnv("SQLITE_PATH", "data/ingest.db"),
		VectorDir:  getEnv("VECTOR_DIR", "data/vectorstore"),
		PDFDir:     getEnv("PDF_DIR", "pdfs"),
		ImageDir:   getEnv("IMAGE_DIR", "images"),
		TempDir:     getEnv("TEMP_DIR", "temp"),
		S3Bucket:    getEnv("AWS_S3_BUCKET", ""),
		S3Endpoint:  getEnv("AWS_S3_ENDPOINT", ""),
		S3AccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
	}

	cfg.Queue = QueueConfig{
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
		PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "100ms"), 100*time.Millisecond),
	}

	cfg.Server = ServerConfig{
		Port:       getEnv("PORT", "8080"),
		AdminToken: getEnv("ADMIN_TOKEN", ""),
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
