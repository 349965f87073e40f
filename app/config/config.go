package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Download  DownloadConfig  `mapstructure:"download"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出时的日志目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite 文件路径
}

// DownloadConfig 下载队列配置
type DownloadConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`  // 最大并发下载数
	ChunkSize      int           `mapstructure:"chunk_size"`      // 每次读取的块大小（字节）
	UserAgent      string        `mapstructure:"user_agent"`      // 请求 User-Agent
	Timeout        time.Duration `mapstructure:"timeout"`         // HTTP 超时，0 表示不限制
	ProgressBuffer int           `mapstructure:"progress_buffer"` // 每个订阅者的进度缓冲区
	DefaultDir     string        `mapstructure:"default_dir"`     // 未指定保存路径时的默认目录
}

// CacheConfig 缓存目录配置
type CacheConfig struct {
	Root          string        `mapstructure:"root"`            // 缓存根目录
	IndexTTL      time.Duration `mapstructure:"index_ttl"`       // 缓存索引过期时间
	JanitorSpec   string        `mapstructure:"janitor_spec"`    // 清理任务的 cron 表达式
	PartialMaxAge time.Duration `mapstructure:"partial_max_age"` // 未完成文件的最长保留时间
	Watch         bool          `mapstructure:"watch"`           // 是否监听缓存目录变化
}

// ThumbnailConfig 缩略图配置
type ThumbnailConfig struct {
	Width   int `mapstructure:"width"`
	Height  int `mapstructure:"height"`
	Quality int `mapstructure:"quality"` // JPEG 质量
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := decode(viper.GetViper())
	if err != nil {
		log.Fatalf("%v", err)
	}
	return config
}

// decode 从 viper 实例解码并验证配置
func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	applyDefaults(viper.GetViper())
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	// JWT默认配置
	v.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	v.SetDefault("jwt.expire_time", 24) // 24小时
	v.SetDefault("jwt.issuer", "wallfetch")

	v.SetDefault("database.path", "data/wallfetch.db")

	// 下载默认配置
	v.SetDefault("download.max_concurrent", 3)
	v.SetDefault("download.chunk_size", 64*1024)
	v.SetDefault("download.user_agent", "wallfetch/1.0")
	v.SetDefault("download.timeout", 0)
	v.SetDefault("download.progress_buffer", 256)
	v.SetDefault("download.default_dir", "data/wallpapers")

	// 缓存默认配置
	v.SetDefault("cache.root", "data/cache")
	v.SetDefault("cache.index_ttl", 10*time.Minute)
	v.SetDefault("cache.janitor_spec", "@every 1h")
	v.SetDefault("cache.partial_max_age", 7*24*time.Hour)
	v.SetDefault("cache.watch", true)

	v.SetDefault("thumbnail.width", 320)
	v.SetDefault("thumbnail.height", 200)
	v.SetDefault("thumbnail.quality", 85)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Download.MaxConcurrent < 1 {
		return fmt.Errorf("最大并发下载数必须大于 0，当前为 %d", config.Download.MaxConcurrent)
	}
	if config.Download.ChunkSize <= 0 {
		return fmt.Errorf("下载块大小必须大于 0")
	}
	if config.Cache.Root == "" {
		return fmt.Errorf("缓存根目录未设置")
	}
	return nil
}
