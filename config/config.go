// Package config loads docqa settings from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreWeaviate = "weaviate"
)

// ConfigFileEnv names the environment variable pointing at an optional YAML settings file.
const ConfigFileEnv = "DOCQA_CONFIG"

var ErrInvalid = errors.New("invalid configuration")

// Settings is the full set of recognised options. Zero values are never
// relied upon; Default documents every default.
type Settings struct {
	DataDir       string        `envconfig:"DOCQA_DATA_DIR" yaml:"data_dir"`
	ChunkSize     int           `envconfig:"DOCQA_CHUNK_SIZE" yaml:"chunk_size"`
	ChunkOverlap  int           `envconfig:"DOCQA_CHUNK_OVERLAP" yaml:"chunk_overlap"`
	MaxFileSizeMB int64         `envconfig:"DOCQA_MAX_FILE_SIZE_MB" yaml:"max_file_size_mb"`
	TopK          int           `envconfig:"DOCQA_TOP_K" yaml:"top_k"`
	Temperature   float32       `envconfig:"DOCQA_TEMPERATURE" yaml:"temperature"`
	LLMTimeout    time.Duration `envconfig:"DOCQA_LLM_TIMEOUT" yaml:"llm_timeout"`

	Embeddings EmbeddingConfig `envconfig:"EMBEDDING" yaml:"embeddings"`
	LLM        LLMConfig       `envconfig:"LLM" yaml:"llm"`

	GoogleAPIKey  string `envconfig:"GOOGLE_API_KEY" yaml:"-"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" yaml:"-"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" yaml:"openai_base_url"`
	OllamaHost    string `envconfig:"OLLAMA_HOST" yaml:"ollama_host"`

	VectorStore    string `envconfig:"VECTOR_STORE" yaml:"vector_store"`
	PostgresDSN    string `envconfig:"POSTGRES_DSN" yaml:"postgres_dsn"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" yaml:"weaviate_host"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" yaml:"weaviate_scheme"`
	WeaviateClass  string `envconfig:"WEAVIATE_CLASS" yaml:"weaviate_class"`

	Neo4jURI  string `envconfig:"NEO4J_URI" yaml:"neo4j_uri"`
	Neo4jUser string `envconfig:"NEO4J_USERNAME" yaml:"neo4j_username"`
	Neo4jPass string `envconfig:"NEO4J_PASSWORD" yaml:"-"`

	HTTPAddr string `envconfig:"HTTP_ADDR" yaml:"http_addr"`
}

type EmbeddingConfig struct {
	Provider  string `envconfig:"PROVIDER" yaml:"provider"`
	Model     string `envconfig:"MODEL" yaml:"model"`
	Dimension int    `envconfig:"DIMENSION" yaml:"dimension"`
}

type LLMConfig struct {
	Provider string `envconfig:"PROVIDER" yaml:"provider"`
	Model    string `envconfig:"MODEL" yaml:"model"`
}

// Default returns the documented defaults.
func Default() Settings {
	return Settings{
		DataDir:       "./docqa_db",
		ChunkSize:     1000,
		ChunkOverlap:  200,
		MaxFileSizeMB: 10,
		TopK:          4,
		Temperature:   0.7,
		LLMTimeout:    60 * time.Second,
		Embeddings: EmbeddingConfig{
			Provider:  ProviderOllama,
			Model:     "all-minilm",
			Dimension: 384,
		},
		LLM: LLMConfig{
			Provider: ProviderGemini,
			Model:    "gemini-2.5-flash",
		},
		OllamaHost:     "http://localhost:11434",
		VectorStore:    StoreSQLite,
		PostgresDSN:    "postgres://localhost:5432/docqa?sslmode=disable",
		WeaviateHost:   "localhost:8080",
		WeaviateScheme: "http",
		WeaviateClass:  "DocumentChunk",
		Neo4jUser:      "neo4j",
		Neo4jPass:      "password",
		HTTPAddr:       ":8080",
	}
}

// Load layers .env, defaults, the optional YAML file and the process environment.
func Load() (Settings, error) {
	// Shell variables take precedence; a missing .env is fine.
	_ = godotenv.Load(".env")

	s := Default()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := s.mergeFile(path); err != nil {
			return Settings{}, err
		}
	}

	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("read environment: %w", err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}
	return nil
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("%w: DOCQA_DATA_DIR is empty", ErrInvalid)
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalid)
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("%w: chunk overlap must be in [0, %d)", ErrInvalid, s.ChunkSize)
	}
	if s.MaxFileSizeMB <= 0 {
		return fmt.Errorf("%w: max file size must be positive", ErrInvalid)
	}
	if s.TopK <= 0 {
		return fmt.Errorf("%w: top-k must be positive", ErrInvalid)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalid)
	}
	if s.LLMTimeout <= 0 {
		return fmt.Errorf("%w: llm timeout must be positive", ErrInvalid)
	}
	if s.Embeddings.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", ErrInvalid)
	}
	if !knownProvider(s.Embeddings.Provider) {
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalid, s.Embeddings.Provider)
	}
	if !knownProvider(s.LLM.Provider) {
		return fmt.Errorf("%w: unknown llm provider %q", ErrInvalid, s.LLM.Provider)
	}
	switch s.VectorStore {
	case StoreSQLite, StorePostgres, StoreWeaviate:
	default:
		return fmt.Errorf("%w: unknown vector store %q", ErrInvalid, s.VectorStore)
	}
	return nil
}

// MaxFileSizeBytes converts the configured ceiling to bytes.
func (s Settings) MaxFileSizeBytes() int64 {
	return s.MaxFileSizeMB * 1024 * 1024
}

// LLMAPIKey returns the credential for the selected LLM provider. Ollama needs none.
func (s Settings) LLMAPIKey() string {
	switch s.LLM.Provider {
	case ProviderGemini:
		return s.GoogleAPIKey
	case ProviderOpenAI:
		return s.OpenAIAPIKey
	default:
		return ""
	}
}

// RequiresAPIKey reports whether the selected LLM provider needs a credential.
func (s Settings) RequiresAPIKey() bool {
	return s.LLM.Provider == ProviderGemini || s.LLM.Provider == ProviderOpenAI
}

// WithLLMAPIKey returns a copy carrying key as the credential of the selected LLM provider.
func (s Settings) WithLLMAPIKey(key string) Settings {
	switch s.LLM.Provider {
	case ProviderGemini:
		s.GoogleAPIKey = key
	case ProviderOpenAI:
		s.OpenAIAPIKey = key
	}
	return s
}

func knownProvider(p string) bool {
	switch p {
	case ProviderOllama, ProviderOpenAI, ProviderGemini:
		return true
	}
	return false
}
