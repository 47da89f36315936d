package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Detection DetectionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	StatsTTL int
}

type LLMConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

// DetectionConfig holds orchestration limits plus the fixed per-engine
// configuration registered at boot. Engines never read free-form maps.
type DetectionConfig struct {
	Workers          int
	JobTimeoutSec    int
	EngineTimeoutSec int
	EngineWeights    map[string]int
	Similarity       SimilarityConfig
	Contradiction    ContradictionConfig
	ThematicBridge   ThematicBridgeConfig
}

type SimilarityConfig struct {
	Threshold     float64
	MinImportance float64
	MaxCandidates int
	CrossDocument bool
}

type ContradictionConfig struct {
	Threshold          float64
	MinImportance      float64
	MaxPairsPerChunk   int
	CandidateNeighbors int
}

type ThematicBridgeConfig struct {
	Threshold        float64
	MinImportance    float64
	MaxPairsPerChunk int
	MinConcepts      int
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
	viper.AddConfigPath("/etc/rhizome")

	viper.SetEnvPrefix("RHIZOME")
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
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)

	viper.SetDefault("sqlite.path", "./data/rhizome.db")

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "chunk_embeddings")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.statsTTL", 300)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 1024)
	viper.SetDefault("llm.timeoutSec", 120)

	viper.SetDefault("detection.workers", 4)
	// Engines call external LLMs in batches; these are wall-clock walls,
	// not latency targets.
	viper.SetDefault("detection.jobTimeoutSec", 1800)
	viper.SetDefault("detection.engineTimeoutSec", 300)

	viper.SetDefault("detection.similarity.threshold", 0.7)
	viper.SetDefault("detection.similarity.minImportance", 0.3)
	viper.SetDefault("detection.similarity.maxCandidates", 10)
	viper.SetDefault("detection.similarity.crossDocument", true)

	viper.SetDefault("detection.contradiction.threshold", 0.6)
	viper.SetDefault("detection.contradiction.minImportance", 0.4)
	viper.SetDefault("detection.contradiction.maxPairsPerChunk", 5)
	viper.SetDefault("detection.contradiction.candidateNeighbors", 8)

	viper.SetDefault("detection.thematicBridge.threshold", 0.6)
	viper.SetDefault("detection.thematicBridge.minImportance", 0.6)
	viper.SetDefault("detection.thematicBridge.maxPairsPerChunk", 3)
	viper.SetDefault("detection.thematicBridge.minConcepts", 2)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
