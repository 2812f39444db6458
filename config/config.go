package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite, mysql
	DSN  string `yaml:"dsn"`
}

type LLMConfig struct {
	APIURL    string        `yaml:"api_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

type RetrievalConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	TopK       int           `yaml:"top_k"`
}

// EvidenceConfig 证据配额配置
// Safety Plan 阶段每种文档类型至少 MinPerType 条引用，两类合计不超过 MaxTotal 条
type EvidenceConfig struct {
	MinPerType    int `yaml:"min_per_type"`
	MaxTotal      int `yaml:"max_total"`
	HazardMaxCite int `yaml:"hazard_max_cite"`
}

type PipelineConfig struct {
	MaxWorkers      int           `yaml:"max_workers"`
	CategoryTimeout time.Duration `yaml:"category_timeout"`
}

var (
	cfg  *Config
	once sync.Once
)

func GetConfig() *Config {
	once.Do(func() {
		cfg = loadConfig()
	})
	return cfg
}

func loadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			DSN:  "./data/app.db",
		},
		LLM: LLMConfig{
			APIURL:    "https://api.openai.com/v1",
			Model:     "gpt-4o",
			MaxTokens: 4096,
			Timeout:   5 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			Endpoint:   "http://localhost:9200",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			TopK:       12,
		},
		Evidence: EvidenceConfig{
			MinPerType:    2,
			MaxTotal:      5,
			HazardMaxCite: 5,
		},
		Pipeline: PipelineConfig{
			// maxWorkers=2，避免并发过多打爆LLM配额
			MaxWorkers:      2,
			CategoryTimeout: 10 * time.Minute,
		},
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err == nil {
		yaml.Unmarshal(data, config)
	}

	// 环境变量优先级高于配置文件
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.LLM.APIURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL_NAME"); model != "" {
		config.LLM.Model = model
	}

	// 数据库环境变量
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if dbDSN := os.Getenv("DB_DSN"); dbDSN != "" {
		config.Database.DSN = dbDSN
	}

	// 检索服务环境变量
	if endpoint := os.Getenv("RETRIEVAL_ENDPOINT"); endpoint != "" {
		config.Retrieval.Endpoint = endpoint
	}

	if workers := os.Getenv("PIPELINE_MAX_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			config.Pipeline.MaxWorkers = n
		}
	}

	return config
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func UpdateConfig(newCfg *Config) {
	cfg = newCfg
}
