package config

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadEnv 載入 .env（找不到時僅警告），回傳執行環境 ENV
func LoadEnv() string {
	path, err := GetPath(".env", 5)
	if err != nil {
		log.Printf("Warning: Could not get .env path: %v", err)
		return os.Getenv("ENV")
	}

	if err := godotenv.Load(path); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}
	return os.Getenv("ENV")
}

// LoadConfig 加載配置
// 讀取 configPath 底下的 {serviceName}.yaml，展開 ${} 環境變數後解構到 T
func LoadConfig[T any](serviceName string, configPath string, defaults map[string]interface{}) (T, error) {
	var cfg T

	v := viper.New()
	v.SetConfigName(serviceName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// 自動讀取環境變數
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}

	rawConfig, err := os.ReadFile(v.ConfigFileUsed())
	if err != nil {
		return cfg, fmt.Errorf("reading raw config file: %w", err)
	}

	// 替換 ${} 占位符為環境變數的值
	expandedConfig := os.ExpandEnv(string(rawConfig))
	if err := v.ReadConfig(bytes.NewBufferString(expandedConfig)); err != nil {
		return cfg, fmt.Errorf("reading expanded config: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// LoadWorker 讀取 worker 設定並驗證
func LoadWorker(serviceName, configPath string) (Worker, error) {
	cfg, err := LoadConfig[Worker](serviceName, configPath, WorkerDefaults())
	if err != nil {
		return cfg, err
	}
	// prefetch 未設定時跟著 concurrency，每個 worker 都拿得到訊息
	if cfg.Queue.RabbitMQ.Prefetch <= 0 {
		cfg.Queue.RabbitMQ.Prefetch = cfg.Worker.Concurrency
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WorkerDefaults 預設值，yaml 與環境變數未設定時使用
func WorkerDefaults() map[string]interface{} {
	return map[string]interface{}{
		"worker.concurrency":       2,
		"worker.soft_time_limit":   "4m",
		"worker.hard_time_limit":   "5m",
		"worker.shutdown_timeout":  "30s",
		"worker.workspace_dir":     "./tmp/workspace",
		"worker.workspace_max_age": "1h",
		"worker.sweep_interval":    "10m",
		"worker.strict_validation": false,
		"worker.retry_not_found":   true,

		"queue.broker":                BrokerRedis,
		"queue.name":                  "video_processing",
		"queue.dead_letter_name":      "dlq",
		"queue.visibility_timeout":    "6m",
		"queue.poll_interval":         "1s",
		"queue.retry_count":           5,
		"queue.retry_interval":        "2s",
		"queue.redis.addr":            "localhost:6379",
		"queue.sqs.wait_time_seconds": 10,

		"retry.max_retries": 3,
		"retry.base_delay":  "10s",
		"retry.max_delay":   "5m",
		"retry.jitter":      true,

		"transform.max_duration":       "30s",
		"transform.target_width":       1280,
		"transform.target_height":      720,
		"transform.aspect_ratio":       "16:9",
		"transform.fit_mode":           "pad",
		"transform.codec.video_codec":  "libx264",
		"transform.codec.preset":       "veryfast",
		"transform.codec.crf":          23,
		"transform.codec.pixel_format": "yuv420p",
		"transform.codec.threads":      1,
		"transform.watermark.corner":   "top-right",
		"transform.watermark.margin":   10,
		"transform.intro.max_duration": "2.5s",
		"transform.outro.max_duration": "2.5s",
		"transform.ffmpeg_path":        "ffmpeg",
		"transform.ffprobe_path":       "ffprobe",

		"storage.backend":    StorageLocal,
		"storage.source_ext": ".mp4",
		"storage.output_ext": ".mp4",
		"storage.local.root": "./data",

		"pg.retry_count":    5,
		"pg.retry_interval": "2s",

		"dead_letter.store": DeadLetterPostgres,

		"events.topic": "video_processing.events",

		"lock.ttl": "6m",

		"health.http_port":      "8090",
		"health.probe_timeout":  "2s",
		"health.check_interval": "10s",

		"log.dir": "./logs",
	}
}

// GetPath use fileName loop maxCount find file path
func GetPath(fileName string, maxCount int) (string, error) {
	path := "./" + fileName

	for i := 0; i < maxCount; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = "../" + path
	}
	return "", errors.New(fileName + " can't find path")
}

// Getenv 取得環境變數，未設定時回傳 def
func Getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
