package kioku

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	projectID    string
	dataDir      string
	indexMode    string
	qdrantURL    string
	qdrantAPIKey string
	httpAddr     string
	apiKey       string
	logger       *slog.Logger
	version      string
	provider     EmbeddingProvider
}

// WithProjectID overrides the project identity from config (KIOKU_PROJECT_ID
// env var). Every project gets its own collection, data directory, and
// approval history.
func WithProjectID(id string) Option {
	return func(o *resolvedOptions) { o.projectID = id }
}

// WithDataDir overrides where per-project state lives: the sqlite store,
// the embedded index, the constitution file, and operational docs.
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
}

// WithIndexMode selects "embedded" (local files, zero infrastructure) or
// "server" (remote Qdrant). In server mode an unreachable Qdrant is fatal.
func WithIndexMode(mode string) Option {
	return func(o *resolvedOptions) { o.indexMode = mode }
}

// WithQdrant sets the Qdrant URL and API key for server index mode.
func WithQdrant(url, apiKey string) Option {
	return func(o *resolvedOptions) {
		o.qdrantURL = url
		o.qdrantAPIKey = apiKey
	}
}

// WithHTTPAddr overrides the HTTP listen address (KIOKU_HTTP_ADDR env var).
func WithHTTPAddr(addr string) Option {
	return func(o *resolvedOptions) { o.httpAddr = addr }
}

// WithAPIKey sets the static bearer key required on every request except
// the health probe. Empty disables authentication.
func WithAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.apiKey = key }
}

// WithLogger sets the structured logger for the App.
// If not set, a JSON logger at the configured level is created.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/hash). The provided implementation must satisfy the
// EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.provider = p }
}
