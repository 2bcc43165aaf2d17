package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Oracle     OracleConfig
	Graph      GraphConfig
	Concepts   ConceptsConfig
	SQLite     SQLiteConfig
	Redis      RedisConfig
	Sources    SourcesConfig
	Stats      StatsConfig
	Store      StoreConfig
	Evaluation EvaluationConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	RateLimit    int
	Development  bool
}

type OracleConfig struct {
	Provider        string
	Model           string
	APIKey          string
	AnthropicAPIKey string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	EmbeddingModel  string
	EmbeddingDim    int
}

type GraphConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type ConceptsConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	SeedPath       string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type SourcesConfig struct {
	StatVarEndpoint    string
	EnergyEndpoint     string
	RegDocsEndpoint    string
	RegDocsKYEndpoint  string
	DatasetsEndpoint   string
	StatsEndpoint      string
	StatsAPIKey        string
	RequestTimeoutSec  int
	EnrichRegDocsPages bool
}

type StatsConfig struct {
	DefaultRetries int
	DefaultTimeout int
	DefaultWorkers int
}

type StoreConfig struct {
	MaxAgeSec int
}

type EvaluationConfig struct {
	Enabled bool
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/geoquery")

	viper.SetEnvPrefix("GEOQUERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 120)
	viper.SetDefault("server.writeTimeout", 120)
	viper.SetDefault("server.bodyLimit", 10485760)
	viper.SetDefault("server.rateLimit", 60)
	viper.SetDefault("server.development", false)

	viper.SetDefault("oracle.provider", "openai")
	viper.SetDefault("oracle.model", "gpt-4o")
	viper.SetDefault("oracle.temperature", 0.1)
	viper.SetDefault("oracle.maxTokens", 2048)
	viper.SetDefault("oracle.timeoutSec", 60)
	viper.SetDefault("oracle.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("oracle.embeddingDim", 1536)

	viper.SetDefault("graph.uri", "bolt://localhost:7687")
	viper.SetDefault("graph.username", "neo4j")
	viper.SetDefault("graph.password", "password")
	viper.SetDefault("graph.database", "neo4j")

	viper.SetDefault("concepts.endpoint", "localhost:19530")
	viper.SetDefault("concepts.collectionName", "graph_concepts")
	viper.SetDefault("concepts.vectorDim", 1536)
	viper.SetDefault("concepts.seedPath", "./data/concepts.json")

	viper.SetDefault("sqlite.path", "./data/geoquery.db")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 3600)

	viper.SetDefault("sources.statVarEndpoint", "https://api.datacommons.org")
	viper.SetDefault("sources.energyEndpoint", "https://api.energyatlas.example.org")
	viper.SetDefault("sources.regDocsEndpoint", "https://regsearch.example.org/npdes")
	viper.SetDefault("sources.regDocsKYEndpoint", "https://regsearch.example.org/kpdes")
	viper.SetDefault("sources.datasetsEndpoint", "https://catalog.example.org/search")
	viper.SetDefault("sources.statsEndpoint", "https://stats.example.org/compute")
	viper.SetDefault("sources.statsAPIKey", "")
	viper.SetDefault("sources.requestTimeoutSec", 30)
	viper.SetDefault("sources.enrichRegDocsPages", false)

	viper.SetDefault("stats.defaultRetries", 3)
	viper.SetDefault("stats.defaultTimeout", 30)
	viper.SetDefault("stats.defaultWorkers", 8)

	viper.SetDefault("store.maxAgeSec", 120)

	viper.SetDefault("evaluation.enabled", false)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
