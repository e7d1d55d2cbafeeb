package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port        int
	Environment string
	FrontendURL string

	// Backing services
	LLMBaseURL         string
	LLMAPIKey          string
	LLMModel           string
	LLMFallbackModel   string
	EmbeddingModel     string
	SearchBaseURL      string
	SearchAPIKey       string
	SearchIndex        string
	SearchOAuthTokenURL string
	SearchOAuthClientID string
	SearchOAuthSecret   string
	WebSearchBaseURL   string
	WebSearchAPIKey    string
	SemanticScholarURL string
	ArxivURL           string
	DatabaseURL        string
	DatabaseMaxConns   int
	RedisAddr          string
	RedisPassword      string

	// Retrieval thresholds
	RerankerThreshold         float64
	FallbackRerankerThreshold float64
	RetrievalMinDocs          int
	RAGTopK                   int
	LazySummaryMaxChars       int
	LazyPrefetchCount         int
	ConfidenceEscalation      float64

	// Critic loop
	CriticMaxRetries     int
	CriticThreshold      float64
	CriticAcceptCoverage float64

	// Adaptive retrieval
	AdaptiveMinCoverage       float64
	AdaptiveMinDiversity      float64
	AdaptiveMaxReformulations int
	SearchMinCoverage         float64

	// Web quality
	WebMinAuthority     float64
	WebMaxRedundancy    float64
	WebMinRelevance     float64
	WebContextMaxTokens int

	// Request limits
	MaxMessageLength      int
	MaxMessagesPerRequest int
	MaxQueryLength        int
	RequestTimeout        time.Duration
	TokenExpirySlop       time.Duration

	// Context budgeting
	ModelInputLimit   int
	HistoryKeepTurns  int
	SummaryBulletsTop int
	MemoryInterval    int

	// Telemetry
	TelemetryRingSize int

	// Feature defaults overridable per environment
	FeatureEnv map[string]bool
}

// featureEnvKeys are the feature flags that may be toggled via env.
var featureEnvKeys = []string{
	"ENABLE_CRITIC",
	"ENABLE_LAZY_RETRIEVAL",
	"ENABLE_INTENT_ROUTING",
	"ENABLE_WEB_QUALITY_FILTER",
	"ENABLE_WEB_RERANKING",
	"ENABLE_SEMANTIC_BOOST",
	"ENABLE_SEMANTIC_SUMMARY",
	"ENABLE_SEMANTIC_MEMORY",
	"ENABLE_QUERY_DECOMPOSITION",
	"ENABLE_ADAPTIVE_RETRIEVAL",
	"ENABLE_CRAG",
	"ENABLE_MULTI_INDEX_FEDERATION",
	"ENABLE_RESPONSE_STORAGE",
	"ENABLE_WEB_SAFE_MODE",
}

// Load reads configuration from environment variables. The LLM and
// search endpoints are required; everything else defaults.
func Load() (*Config, error) {
	llmBase := os.Getenv("LLM_BASE_URL")
	if llmBase == "" {
		return nil, fmt.Errorf("config.Load: LLM_BASE_URL is required")
	}
	searchBase := os.Getenv("SEARCH_BASE_URL")
	if searchBase == "" {
		return nil, fmt.Errorf("config.Load: SEARCH_BASE_URL is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		Environment: envStr("ENVIRONMENT", "development"),
		FrontendURL: envStr("FRONTEND_URL", "http://localhost:3000"),

		LLMBaseURL:         llmBase,
		LLMAPIKey:          envStr("LLM_API_KEY", ""),
		LLMModel:           envStr("LLM_MODEL", "gpt-4o"),
		LLMFallbackModel:   envStr("LLM_FALLBACK_MODEL", "gpt-4o-mini"),
		EmbeddingModel:     envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		SearchBaseURL:       searchBase,
		SearchAPIKey:        envStr("SEARCH_API_KEY", ""),
		SearchIndex:         envStr("SEARCH_INDEX", "knowledge"),
		SearchOAuthTokenURL: envStr("SEARCH_OAUTH_TOKEN_URL", ""),
		SearchOAuthClientID: envStr("SEARCH_OAUTH_CLIENT_ID", ""),
		SearchOAuthSecret:   envStr("SEARCH_OAUTH_CLIENT_SECRET", ""),
		WebSearchBaseURL:   envStr("WEB_SEARCH_BASE_URL", ""),
		WebSearchAPIKey:    envStr("WEB_SEARCH_API_KEY", ""),
		SemanticScholarURL: envStr("SEMANTIC_SCHOLAR_URL", ""),
		ArxivURL:           envStr("ARXIV_URL", ""),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		DatabaseMaxConns:   envInt("DATABASE_MAX_CONNS", 25),
		RedisAddr:          envStr("REDIS_ADDR", ""),
		RedisPassword:      envStr("REDIS_PASSWORD", ""),

		RerankerThreshold:         envFloat("RERANKER_THRESHOLD", 2.0),
		FallbackRerankerThreshold: envFloat("FALLBACK_RERANKER_THRESHOLD", 1.0),
		RetrievalMinDocs:          envInt("RETRIEVAL_MIN_DOCS", 3),
		RAGTopK:                   envInt("RAG_TOP_K", 5),
		LazySummaryMaxChars:       envInt("LAZY_SUMMARY_MAX_CHARS", 300),
		LazyPrefetchCount:         envInt("LAZY_PREFETCH_COUNT", 2),
		ConfidenceEscalation:      envFloat("CONFIDENCE_ESCALATION_THRESHOLD", 0.45),

		CriticMaxRetries:     envInt("CRITIC_MAX_RETRIES", 1),
		CriticThreshold:      envFloat("CRITIC_THRESHOLD", 0.5),
		CriticAcceptCoverage: envFloat("CRITIC_ACCEPT_COVERAGE", 0.8),

		AdaptiveMinCoverage:       envFloat("ADAPTIVE_MIN_COVERAGE", 0.4),
		AdaptiveMinDiversity:      envFloat("ADAPTIVE_MIN_DIVERSITY", 0.3),
		AdaptiveMaxReformulations: envInt("ADAPTIVE_MAX_REFORMULATIONS", 3),
		SearchMinCoverage:         envFloat("SEARCH_MIN_COVERAGE", 0.3),

		WebMinAuthority:     envFloat("WEB_MIN_AUTHORITY", 0.3),
		WebMaxRedundancy:    envFloat("WEB_MAX_REDUNDANCY", 0.92),
		WebMinRelevance:     envFloat("WEB_MIN_RELEVANCE", 0.25),
		WebContextMaxTokens: envInt("WEB_CONTEXT_MAX_TOKENS", 2000),

		MaxMessageLength:      envInt("MAX_MESSAGE_LENGTH", 8000),
		MaxMessagesPerRequest: envInt("MAX_MESSAGES_PER_REQUEST", 50),
		MaxQueryLength:        envInt("MAX_QUERY_LENGTH", 10000),
		RequestTimeout:        time.Duration(envInt("REQUEST_TIMEOUT_MS", 120000)) * time.Millisecond,
		TokenExpirySlop:       time.Duration(envInt("TOKEN_EXPIRY_SLOP_MS", 120000)) * time.Millisecond,

		ModelInputLimit:   envInt("MODEL_INPUT_LIMIT", 128000),
		HistoryKeepTurns:  envInt("HISTORY_KEEP_TURNS", 6),
		SummaryBulletsTop: envInt("SUMMARY_BULLETS_TOP", 5),
		MemoryInterval:    envInt("MEMORY_SUMMARY_INTERVAL", 4),

		TelemetryRingSize: envInt("TELEMETRY_RING_SIZE", 100),

		FeatureEnv: map[string]bool{},
	}

	for _, key := range featureEnvKeys {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				cfg.FeatureEnv[key] = b
			}
		}
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
