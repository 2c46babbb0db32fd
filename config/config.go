package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the document QA service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Gate      GateConfig      `mapstructure:"gate"`
	Answer    AnswerConfig    `mapstructure:"answer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	File      FileConfig      `mapstructure:"file"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	AuthEnabled bool     `mapstructure:"auth_enabled"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// JWTSecretEnv is read when server.jwt_secret is empty.
const JWTSecretEnv = "DOCQA_JWT_SECRET"

func (s ServerConfig) Validate() error {
	if s.AuthEnabled && strings.TrimSpace(s.JWTSecret) == "" && strings.TrimSpace(os.Getenv(JWTSecretEnv)) == "" {
		return fmt.Errorf("server.jwt_secret or %s required when server.auth_enabled is set", JWTSecretEnv)
	}
	return nil
}

// LLMConfig selects the chat model used for answers and relevance checks
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	return nil
}

// EmbeddingConfig selects the dense embedding provider
type EmbeddingConfig struct {
	Provider string        `mapstructure:"provider"` // openai or ollama
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Normalize lower-cases the provider name.
func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	if e.Provider == "" {
		e.Provider = "ollama"
	}
	return e
}

func (e EmbeddingConfig) Validate() error {
	switch e.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("embedding.provider must be openai or ollama, got %q", e.Provider)
	}
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("embedding.model required")
	}
	return nil
}

// RerankConfig points at the cross-encoder service
type RerankConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (r RerankConfig) Validate() error {
	if r.Enabled && strings.TrimSpace(r.BaseURL) == "" {
		return fmt.Errorf("rerank.base_url required when rerank is enabled")
	}
	return nil
}

// RetrievalConfig tunes both retrieval channels and their fusion
type RetrievalConfig struct {
	K         int `mapstructure:"k"`
	OverFetch int `mapstructure:"over_fetch"`
	RRFK      int `mapstructure:"rrf_k"`
}

func (r RetrievalConfig) Validate() error {
	if r.K <= 0 {
		return fmt.Errorf("retrieval.k must be greater than zero")
	}
	if r.OverFetch < 1 {
		return fmt.Errorf("retrieval.over_fetch must be >= 1")
	}
	if r.RRFK <= 0 {
		return fmt.Errorf("retrieval.rrf_k must be greater than zero")
	}
	return nil
}

// GateConfig holds the distance thresholds of the relevance heuristic
type GateConfig struct {
	Top1  float64 `mapstructure:"top1"`
	Mean3 float64 `mapstructure:"mean3"`
}

func (g GateConfig) Validate() error {
	if g.Top1 <= 0 || g.Mean3 <= 0 {
		return fmt.Errorf("gate.top1 and gate.mean3 must be greater than zero")
	}
	return nil
}

// AnswerConfig tunes answer streaming
type AnswerConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	PreviewLimit int `mapstructure:"preview_limit"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis          RedisConfig    `mapstructure:"redis"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	SessionBackend string         `mapstructure:"session_backend"` // memory or redis
	SessionTTL     time.Duration  `mapstructure:"session_ttl"`
}

func (s StorageConfig) Validate() error {
	switch s.SessionBackend {
	case "memory":
		return nil
	case "redis":
		return s.Redis.Validate()
	default:
		return fmt.Errorf("storage.session_backend must be memory or redis, got %q", s.SessionBackend)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// PostgresConfig contains Postgres connection settings. An empty config
// keeps the file catalog in memory.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a database was configured at all.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// IngestConfig controls the parse pipeline
type IngestConfig struct {
	RenderPages   bool          `mapstructure:"render_pages"`
	ChromeTimeout time.Duration `mapstructure:"chrome_timeout"`
	PageWidth     int           `mapstructure:"page_width"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // host:port of an OTLP gRPC collector; empty keeps spans local
}

func setDefaults(v *viper.Viper) {
	// Secrets default to empty so that DOCQA_* variables reach Unmarshal.
	for _, key := range []string{
		"server.jwt_secret", "llm.api_key", "embedding.api_key", "rerank.base_url",
		"storage.redis.host", "storage.redis.password",
		"storage.postgres.url", "storage.postgres.host", "storage.postgres.user",
		"storage.postgres.password", "storage.postgres.dbname",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.auth_enabled", false)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "bge-m3")
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.model", "BAAI/bge-reranker-base")
	v.SetDefault("rerank.timeout", 30*time.Second)
	v.SetDefault("retrieval.k", 5)
	v.SetDefault("retrieval.over_fetch", 3)
	v.SetDefault("retrieval.rrf_k", 60)
	v.SetDefault("gate.top1", 0.5)
	v.SetDefault("gate.mean3", 0.6)
	v.SetDefault("answer.chunk_size", 20)
	v.SetDefault("answer.preview_limit", 2)
	v.SetDefault("storage.session_backend", "memory")
	v.SetDefault("storage.session_ttl", 24*time.Hour)
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("file.data_dir", "data")
	v.SetDefault("ingest.render_pages", true)
	v.SetDefault("ingest.chrome_timeout", 60*time.Second)
	v.SetDefault("ingest.page_width", 1240)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "docqa")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Embedding.Validate,
		c.Rerank.Validate,
		c.Retrieval.Validate,
		c.Gate.Validate,
		c.Storage.Validate,
		c.Storage.Postgres.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Read loads the configuration without panicking. An empty path searches the
// usual locations; a missing file there is fine, everything falls back to
// defaults and DOCQA_* environment variables.
func Read(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DOCQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (DOCQA_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.Embedding = config.Embedding.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig is Read that panics on error.
func LoadConfig(path string) *Config {
	cfg, err := Read(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
