// Package config loads and validates kioku configuration. Values are
// layered: built-in defaults, then the global file (~/.kioku/config.yaml),
// then the project file (<cwd>/.kioku/config.yaml), then environment
// variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Project identity.
	ProjectID string
	DataDir   string // per-project state: sqlite, embedded index, ops docs

	// Vector index.
	IndexMode        string // "server" (remote Qdrant) or "embedded" (local files)
	QdrantURL        string
	QdrantAPIKey     string
	CollectionPrefix string
	VectorSize       int

	// Embedding provider.
	EmbeddingProvider string // "auto", "ollama", "openai", or "hash"
	OpenAIAPIKey      string
	OpenAIModel       string
	OllamaURL         string
	OllamaModel       string

	// Memory behavior.
	MaxConstitutionItems int
	MinSearchScore       float64
	SessionExpire        time.Duration // working-memory TTL
	ApprovalThreshold    float64       // confidence at or above saves directly
	PendingFloor         float64       // confidence at or above parks for review
	ApprovalsNeeded      int           // votes to apply an identity change
	RefinerKeepRecent    int
	RefinerMaxTokens     int
	ChecklistMaxItems    int

	// HTTP server.
	HTTPAddr            string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	APIKey              string // static bearer key; empty disables auth
	JWTSecret           string // HS256 secret; empty disables JWT auth
	RateRPS             float64
	RateBurst           int

	// Cloud sync (S3-compatible).
	SyncBucket     string
	SyncPrefix     string
	SyncEndpoint   string // empty for AWS; set for R2/MinIO
	SyncRegion     string
	SyncAccessKey  string
	SyncSecretKey  string
	SyncPassphrase string // enables encryption of pushed objects

	// Refiner LLM (optional; deterministic fallback always available).
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Operational settings.
	OTELEndpoint string
	ServiceName  string
	LogLevel     string
}

// Load reads configuration with full layering and validates the result.
func Load() (Config, error) {
	cfg := defaults()

	if home, err := os.UserHomeDir(); err == nil {
		cfg.applyFile(filepath.Join(home, ".kioku", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		cfg.applyFile(filepath.Join(cwd, ".kioku", "config.yaml"))
	}
	cfg.applyEnv()

	if cfg.ProjectID == "" {
		cfg.ProjectID = projectFromCwd()
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir(cfg.ProjectID)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		IndexMode:            "embedded",
		QdrantURL:            "http://localhost:6333",
		CollectionPrefix:     "kioku_notes",
		VectorSize:           384,
		EmbeddingProvider:    "auto",
		OpenAIModel:          "text-embedding-3-small",
		OllamaURL:            "http://localhost:11434",
		OllamaModel:          "nomic-embed-text",
		MaxConstitutionItems: 20,
		MinSearchScore:       0.3,
		SessionExpire:        24 * time.Hour,
		ApprovalThreshold:    0.9,
		PendingFloor:         0.7,
		ApprovalsNeeded:      3,
		RefinerKeepRecent:    3,
		RefinerMaxTokens:     500,
		ChecklistMaxItems:    20,
		HTTPAddr:             ":8900",
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
		MaxRequestBodyBytes:  1 * 1024 * 1024,
		RateRPS:              20,
		RateBurst:            40,
		SyncRegion:           "auto",
		ServiceName:          "kioku",
		LogLevel:             "info",
	}
}

// fileConfig mirrors the YAML surface. Pointer fields distinguish "unset"
// from zero values so files only override what they mention.
type fileConfig struct {
	ProjectID            *string  `yaml:"project_id"`
	DataDir              *string  `yaml:"data_dir"`
	IndexMode            *string  `yaml:"index_mode"`
	QdrantURL            *string  `yaml:"qdrant_url"`
	QdrantAPIKey         *string  `yaml:"qdrant_api_key"`
	CollectionPrefix     *string  `yaml:"collection_prefix"`
	VectorSize           *int     `yaml:"vector_size"`
	EmbeddingProvider    *string  `yaml:"embedding_provider"`
	OpenAIModel          *string  `yaml:"openai_model"`
	OllamaURL            *string  `yaml:"ollama_url"`
	OllamaModel          *string  `yaml:"ollama_model"`
	MaxConstitutionItems *int     `yaml:"max_constitution_items"`
	MinSearchScore       *float64 `yaml:"min_search_score"`
	SessionExpireHours   *int     `yaml:"session_expire_hours"`
	ApprovalThreshold    *float64 `yaml:"approval_threshold"`
	PendingFloor         *float64 `yaml:"pending_floor"`
	ApprovalsNeeded      *int     `yaml:"approvals_needed"`
	RefinerKeepRecent    *int     `yaml:"refiner_keep_recent"`
	RefinerMaxTokens     *int     `yaml:"refiner_max_tokens"`
	ChecklistMaxItems    *int     `yaml:"checklist_max_items"`
	HTTPAddr             *string  `yaml:"http_addr"`
	SyncBucket           *string  `yaml:"sync_bucket"`
	SyncPrefix           *string  `yaml:"sync_prefix"`
	SyncEndpoint         *string  `yaml:"sync_endpoint"`
	SyncRegion           *string  `yaml:"sync_region"`
	LLMBaseURL           *string  `yaml:"llm_base_url"`
	LLMModel             *string  `yaml:"llm_model"`
	LogLevel             *string  `yaml:"log_level"`
}

// applyFile overlays one YAML file. Missing files are fine; malformed files
// are skipped rather than fatal so a broken project file cannot brick the
// CLI (env still works).
func (c *Config) applyFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return
	}
	setStr(&c.ProjectID, f.ProjectID)
	setStr(&c.DataDir, f.DataDir)
	setStr(&c.IndexMode, f.IndexMode)
	setStr(&c.QdrantURL, f.QdrantURL)
	setStr(&c.QdrantAPIKey, f.QdrantAPIKey)
	setStr(&c.CollectionPrefix, f.CollectionPrefix)
	setInt(&c.VectorSize, f.VectorSize)
	setStr(&c.EmbeddingProvider, f.EmbeddingProvider)
	setStr(&c.OpenAIModel, f.OpenAIModel)
	setStr(&c.OllamaURL, f.OllamaURL)
	setStr(&c.OllamaModel, f.OllamaModel)
	setInt(&c.MaxConstitutionItems, f.MaxConstitutionItems)
	setFloat(&c.MinSearchScore, f.MinSearchScore)
	if f.SessionExpireHours != nil {
		c.SessionExpire = time.Duration(*f.SessionExpireHours) * time.Hour
	}
	setFloat(&c.ApprovalThreshold, f.ApprovalThreshold)
	setFloat(&c.PendingFloor, f.PendingFloor)
	setInt(&c.ApprovalsNeeded, f.ApprovalsNeeded)
	setInt(&c.RefinerKeepRecent, f.RefinerKeepRecent)
	setInt(&c.RefinerMaxTokens, f.RefinerMaxTokens)
	setInt(&c.ChecklistMaxItems, f.ChecklistMaxItems)
	setStr(&c.HTTPAddr, f.HTTPAddr)
	setStr(&c.SyncBucket, f.SyncBucket)
	setStr(&c.SyncPrefix, f.SyncPrefix)
	setStr(&c.SyncEndpoint, f.SyncEndpoint)
	setStr(&c.SyncRegion, f.SyncRegion)
	setStr(&c.LLMBaseURL, f.LLMBaseURL)
	setStr(&c.LLMModel, f.LLMModel)
	setStr(&c.LogLevel, f.LogLevel)
}

func (c *Config) applyEnv() {
	c.ProjectID = envStr("KIOKU_PROJECT_ID", c.ProjectID)
	c.DataDir = envStr("KIOKU_DATA_DIR", c.DataDir)
	c.IndexMode = envStr("KIOKU_INDEX_MODE", c.IndexMode)
	c.QdrantURL = envStr("KIOKU_QDRANT_ADDR", c.QdrantURL)
	c.QdrantAPIKey = envStr("KIOKU_QDRANT_API_KEY", c.QdrantAPIKey)
	c.CollectionPrefix = envStr("KIOKU_COLLECTION", c.CollectionPrefix)
	c.VectorSize = envInt("KIOKU_VECTOR_SIZE", c.VectorSize)
	c.EmbeddingProvider = envStr("KIOKU_EMBEDDING_PROVIDER", c.EmbeddingProvider)
	c.OpenAIAPIKey = envStr("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIModel = envStr("KIOKU_OPENAI_MODEL", c.OpenAIModel)
	c.OllamaURL = envStr("OLLAMA_URL", c.OllamaURL)
	c.OllamaModel = envStr("OLLAMA_MODEL", c.OllamaModel)
	c.MaxConstitutionItems = envInt("KIOKU_MAX_CONSTITUTION_ITEMS", c.MaxConstitutionItems)
	c.MinSearchScore = envFloat("KIOKU_MIN_SEARCH_SCORE", c.MinSearchScore)
	c.SessionExpire = envDuration("KIOKU_SESSION_EXPIRE", c.SessionExpire)
	c.ApprovalThreshold = envFloat("KIOKU_APPROVAL_THRESHOLD", c.ApprovalThreshold)
	c.PendingFloor = envFloat("KIOKU_PENDING_FLOOR", c.PendingFloor)
	c.ApprovalsNeeded = envInt("KIOKU_APPROVALS_NEEDED", c.ApprovalsNeeded)
	c.RefinerKeepRecent = envInt("KIOKU_REFINER_KEEP_RECENT", c.RefinerKeepRecent)
	c.RefinerMaxTokens = envInt("KIOKU_REFINER_MAX_TOKENS", c.RefinerMaxTokens)
	c.ChecklistMaxItems = envInt("KIOKU_CHECKLIST_MAX_ITEMS", c.ChecklistMaxItems)
	c.HTTPAddr = envStr("KIOKU_HTTP_ADDR", c.HTTPAddr)
	c.ReadTimeout = envDuration("KIOKU_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = envDuration("KIOKU_WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxRequestBodyBytes = int64(envInt("KIOKU_MAX_REQUEST_BODY_BYTES", int(c.MaxRequestBodyBytes)))
	c.APIKey = envStr("KIOKU_API_KEY", c.APIKey)
	c.JWTSecret = envStr("KIOKU_JWT_SECRET", c.JWTSecret)
	c.RateRPS = envFloat("KIOKU_RATE_RPS", c.RateRPS)
	c.RateBurst = envInt("KIOKU_RATE_BURST", c.RateBurst)
	c.SyncBucket = envStr("KIOKU_SYNC_BUCKET", c.SyncBucket)
	c.SyncPrefix = envStr("KIOKU_SYNC_PREFIX", c.SyncPrefix)
	c.SyncEndpoint = envStr("KIOKU_SYNC_ENDPOINT", c.SyncEndpoint)
	c.SyncRegion = envStr("KIOKU_SYNC_REGION", c.SyncRegion)
	c.SyncAccessKey = envStr("KIOKU_SYNC_ACCESS_KEY", c.SyncAccessKey)
	c.SyncSecretKey = envStr("KIOKU_SYNC_SECRET_KEY", c.SyncSecretKey)
	c.SyncPassphrase = envStr("KIOKU_SYNC_PASSPHRASE", c.SyncPassphrase)
	c.LLMBaseURL = envStr("KIOKU_LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = envStr("KIOKU_LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = envStr("KIOKU_LLM_MODEL", c.LLMModel)
	c.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTELEndpoint)
	c.ServiceName = envStr("OTEL_SERVICE_NAME", c.ServiceName)
	c.LogLevel = envStr("KIOKU_LOG_LEVEL", c.LogLevel)
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("config: KIOKU_PROJECT_ID is required")
	}
	if c.IndexMode != "server" && c.IndexMode != "embedded" {
		return fmt.Errorf("config: KIOKU_INDEX_MODE must be \"server\" or \"embedded\", got %q", c.IndexMode)
	}
	if c.IndexMode == "server" && c.QdrantURL == "" {
		return fmt.Errorf("config: KIOKU_QDRANT_ADDR is required in server mode")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("config: KIOKU_VECTOR_SIZE must be positive")
	}
	if c.MinSearchScore < 0 || c.MinSearchScore > 1 {
		return fmt.Errorf("config: KIOKU_MIN_SEARCH_SCORE must be within [0, 1]")
	}
	if c.PendingFloor < 0 || c.ApprovalThreshold > 1 || c.PendingFloor > c.ApprovalThreshold {
		return fmt.Errorf("config: confidence thresholds must satisfy 0 <= pending_floor <= approval_threshold <= 1")
	}
	if c.ApprovalsNeeded < 1 {
		return fmt.Errorf("config: KIOKU_APPROVALS_NEEDED must be at least 1")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KIOKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SyncPassphrase != "" && c.SyncBucket == "" {
		return fmt.Errorf("config: KIOKU_SYNC_PASSPHRASE set without KIOKU_SYNC_BUCKET")
	}
	return nil
}

// CollectionName returns the index collection for this project:
// the bare prefix when the project id matches it, otherwise
// "<prefix>_<sanitized project id>".
func (c Config) CollectionName() string {
	safe := sanitizeID(c.ProjectID)
	if safe == "" || safe == c.CollectionPrefix {
		return c.CollectionPrefix
	}
	return c.CollectionPrefix + "_" + safe
}

// ChecklistCollection returns the checklist collection name.
func (c Config) ChecklistCollection() string {
	return "kioku_checklist_" + sanitizeID(c.ProjectID)
}

// sanitizeID keeps alphanumerics, underscore, and hyphen; everything else
// becomes an underscore. Collection names must stay portable across
// backends.
func sanitizeID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func projectFromCwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	if id := sanitizeID(filepath.Base(cwd)); id != "" {
		return id
	}
	return "default"
}

// DefaultDataDir returns the standard per-project data directory:
// ~/.kioku/projects/<project id>.
func DefaultDataDir(projectID string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".kioku", "projects", projectID)
	}
	return filepath.Join(home, ".kioku", "projects", projectID)
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
