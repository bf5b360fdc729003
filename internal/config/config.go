package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	BlobStore BlobStoreConfig `mapstructure:"blob_store"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置（嵌入缓存 + 任务队列）
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// EmbeddingConfig 向量化服务配置
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"` // openai
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	MaxRetries int    `mapstructure:"max_retries"`
	CacheTTL   string `mapstructure:"cache_ttl"` // 如 "168h"
}

// ChunkingConfig 默认分块配置
type ChunkingConfig struct {
	Strategy     string `mapstructure:"strategy"`
	MaxRunes     int    `mapstructure:"max_runes"`
	OverlapRunes int    `mapstructure:"overlap_runes"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	DefaultTopK         int     `mapstructure:"default_top_k"`
	DefaultHybridWeight float64 `mapstructure:"default_hybrid_weight"`
}

// BlobStoreConfig 原始内容存储配置
type BlobStoreConfig struct {
	Type     string `mapstructure:"type"` // local
	BasePath string `mapstructure:"base_path"`
}

var globalConfig *Config

// Load 加载配置。env: 环境名（dev, prod, test），configPath 可选。
// 环境变量前缀 APP_，优先级高于配置文件。
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()

	if configPath == "" {
		v.SetConfigName(env)
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}
