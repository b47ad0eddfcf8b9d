package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 提供者模式
const (
	ProviderModeLocal    = "local"
	ProviderModeExternal = "external"
)

// Config stores the application configuration.
type Config struct {
	Port        int
	DataDir     string
	DownloadDir string // 缓存音频目录: <source_id>.opus

	// 数据库配置
	DBDriver   string // sqlite | mysql
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// WebRTC / SFU
	ListenIP    string
	AnnouncedIP string
	RTCMinPort  int
	RTCMaxPort  int
	StunURLs    []string

	// 共享令牌
	ProviderToken string
	AdminToken    string
	ProviderMode  string

	CacheMaxBytes int64

	FFmpegPath string
	YtDlpPath  string

	// POST /api/queue 每分钟允许的请求数, 0 表示不限制
	QueueRatePerMin int

	// Redis配置 (可选, RedisHost 为空则不启用)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MinIO 冷归档 (可选, MinioEndpoint 为空则不启用)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// 日志
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// provider 子命令使用
	BroadcasterURL      string
	ProviderDownloadDir string
	AudioQuality        string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvList 解析逗号分隔的列表
func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv 只读取环境变量, 不加载 .env
func FromEnv() *Config {
	dataDir := getEnv("DATA_DIR", "./data")

	mode := strings.ToLower(getEnv("PROVIDER_MODE", ProviderModeLocal))
	if mode != ProviderModeExternal {
		mode = ProviderModeLocal
	}

	return &Config{
		Port:        getEnvInt("PORT", 3000),
		DataDir:     dataDir,
		DownloadDir: getEnv("DOWNLOAD_DIR", "./downloads"),

		DBDriver:   strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:     getEnv("DB_PATH", filepath.Join(dataDir, "chanson.sqlite")),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "chanson"),

		ListenIP:    getEnv("MEDIASOUP_LISTEN_IP", "0.0.0.0"),
		AnnouncedIP: os.Getenv("MEDIASOUP_ANNOUNCED_IP"),
		RTCMinPort:  getEnvInt("RTC_MIN_PORT", 10000),
		RTCMaxPort:  getEnvInt("RTC_MAX_PORT", 20000),
		StunURLs:    getEnvList("STUN_URLS", []string{"stun:stun.l.google.com:19302"}),

		ProviderToken: os.Getenv("PROVIDER_TOKEN"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		ProviderMode:  mode,

		CacheMaxBytes: getEnvInt64("CACHE_MAX_BYTES", 2*1024*1024*1024),

		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		YtDlpPath:  getEnv("YTDLP_PATH", "yt-dlp"),

		QueueRatePerMin: getEnvInt("QUEUE_RATE_PER_MIN", 30),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "chanson-archive"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       os.Getenv("LOG_FILE"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),

		BroadcasterURL:      getEnv("BROADCASTER_URL", "ws://localhost:3000"),
		ProviderDownloadDir: getEnv("PROVIDER_DOWNLOAD_DIR", "./provider-downloads"),
		AudioQuality:        getEnv("AUDIO_QUALITY", "5"),
	}
}

// ExternalProvider 是否使用远程提供者获取音频
func (c *Config) ExternalProvider() bool {
	return c.ProviderMode == ProviderModeExternal
}

// RedisEnabled 是否配置了 Redis
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// ArchiveEnabled 是否配置了 MinIO 归档
func (c *Config) ArchiveEnabled() bool {
	return c.MinioEndpoint != ""
}
