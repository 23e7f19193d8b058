package config

import (
	"errors"
	"fmt"
	"time"
)

// Worker definition video_worker YAML structure
type Worker struct {
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Transform  TransformConfig  `mapstructure:"transform"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PostgreSQL DatabaseConfig   `mapstructure:"pg"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Events     EventsConfig     `mapstructure:"events"`
	Lock       LockConfig       `mapstructure:"lock"`
	Health     HealthConfig     `mapstructure:"health"`
	Log        LogConfig        `mapstructure:"log"`
}

// WorkerConfig definition worker pool & job limits
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	SoftTimeLimit    time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit    time.Duration `mapstructure:"hard_time_limit"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	WorkspaceDir     string        `mapstructure:"workspace_dir"`
	WorkspaceMaxAge  time.Duration `mapstructure:"workspace_max_age"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	StrictValidation bool          `mapstructure:"strict_validation"`
	RetryNotFound    bool          `mapstructure:"retry_not_found"`
}

// QueueConfig definition broker selection
type QueueConfig struct {
	Broker            string         `mapstructure:"broker"`
	Name              string         `mapstructure:"name"`
	DeadLetterName    string         `mapstructure:"dead_letter_name"`
	VisibilityTimeout time.Duration  `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration  `mapstructure:"poll_interval"`
	RetryCount        int            `mapstructure:"retry_count"`
	RetryInterval     time.Duration  `mapstructure:"retry_interval"`
	Redis             RedisConfig    `mapstructure:"redis"`
	RabbitMQ          RabbitMQConfig `mapstructure:"rabbitmq"`
	SQS               SQSConfig      `mapstructure:"sqs"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	RedisDB  int    `mapstructure:"redis_db"`
}

// RabbitMQConfig definition rabbitmq setting
type RabbitMQConfig struct {
	IP       string `mapstructure:"ip"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Prefetch int    `mapstructure:"prefetch"`
}

// URL 組合 amqp 連線字串
func (r RabbitMQConfig) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.IP, r.Port)
}

// SQSConfig definition managed queue setting
type SQSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	WaitTime int32  `mapstructure:"wait_time_seconds"`
}

// RetryConfig definition backoff policy
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     bool          `mapstructure:"jitter"`
}

// TransformConfig definition transformation pipeline setting
type TransformConfig struct {
	MaxDuration  time.Duration   `mapstructure:"max_duration"`
	TargetWidth  int             `mapstructure:"target_width"`
	TargetHeight int             `mapstructure:"target_height"`
	AspectRatio  string          `mapstructure:"aspect_ratio"`
	FitMode      string          `mapstructure:"fit_mode"`
	Codec        CodecConfig     `mapstructure:"codec"`
	Watermark    WatermarkConfig `mapstructure:"watermark"`
	Intro        ClipConfig      `mapstructure:"intro"`
	Outro        ClipConfig      `mapstructure:"outro"`
	FFmpegPath   string          `mapstructure:"ffmpeg_path"`
	FFprobePath  string          `mapstructure:"ffprobe_path"`
}

// CodecConfig definition encoder params
type CodecConfig struct {
	VideoCodec  string `mapstructure:"video_codec"`
	Preset      string `mapstructure:"preset"`
	CRF         int    `mapstructure:"crf"`
	PixelFormat string `mapstructure:"pixel_format"`
	Threads     int    `mapstructure:"threads"`
}

// WatermarkConfig definition watermark overlay
type WatermarkConfig struct {
	Path   string `mapstructure:"path"`
	Corner string `mapstructure:"corner"`
	Margin int    `mapstructure:"margin"`
}

// ClipConfig definition intro / outro clip
type ClipConfig struct {
	Path        string        `mapstructure:"path"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// StorageConfig definition blob store backend
type StorageConfig struct {
	Backend   string      `mapstructure:"backend"`
	SourceExt string      `mapstructure:"source_ext"`
	OutputExt string      `mapstructure:"output_ext"`
	Local     LocalConfig `mapstructure:"local"`
	MinIO     MinIOConfig `mapstructure:"minio"`
}

// LocalConfig definition shared filesystem root
type LocalConfig struct {
	Root string `mapstructure:"root"`
}

// MinIOConfig definition minio setting
type MinIOConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	BucketName    string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	Database      string        `mapstructure:"database"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
}

// DSN 組合 postgres 連線字串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		d.Host, d.User, d.Password, d.Database, d.Port)
}

// DeadLetterConfig definition dead-letter archive
type DeadLetterConfig struct {
	Store string      `mapstructure:"store"`
	Mongo MongoConfig `mapstructure:"mongo"`
}

// MongoConfig definition mongo setting
type MongoConfig struct {
	URI           string        `mapstructure:"uri"`
	Database      string        `mapstructure:"database"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// EventsConfig definition kafka outcome events
type EventsConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// LockConfig definition per-video redis lock
type LockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// HealthConfig definition health surface
type HealthConfig struct {
	HTTPPort      string        `mapstructure:"http_port"`
	GRPCPort      string        `mapstructure:"grpc_port"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	PprofAddr     string        `mapstructure:"pprof_addr"`
}

// LogConfig definition log output
type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	Debug bool   `mapstructure:"debug"`
}

// Broker names
const (
	BrokerRedis    = "redis"
	BrokerRabbitMQ = "rabbitmq"
	BrokerSQS      = "sqs"
)

// Storage backends
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

// Dead-letter stores
const (
	DeadLetterPostgres = "postgres"
	DeadLetterMongo    = "mongo"
)

var validCorners = map[string]bool{"top-left": true, "top-right": true, "bottom-left": true, "bottom-right": true}

// Validate 檢查設定是否可用，啟動時呼叫一次
func (c Worker) Validate() error {
	var errs []error
	w := c.Worker
	if w.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be >= 1, got %d", w.Concurrency))
	}
	if w.SoftTimeLimit <= 0 || w.HardTimeLimit <= w.SoftTimeLimit {
		errs = append(errs, fmt.Errorf("worker.hard_time_limit (%s) must be greater than soft_time_limit (%s)", w.HardTimeLimit, w.SoftTimeLimit))
	}
	// visibility timeout 必須大於 hard limit，否則執行中的 job 會被轉交給其他 worker
	if c.Queue.VisibilityTimeout <= w.HardTimeLimit {
		errs = append(errs, fmt.Errorf("queue.visibility_timeout (%s) must be greater than worker.hard_time_limit (%s)", c.Queue.VisibilityTimeout, w.HardTimeLimit))
	}
	if w.WorkspaceDir == "" {
		errs = append(errs, errors.New("worker.workspace_dir is required"))
	}
	if w.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.sweep_interval must be positive, got %s", w.SweepInterval))
	}
	// sweep 只認得本 process 使用中的 workspace，其他 worker 執行中的目錄靠 max age 保護
	if w.WorkspaceMaxAge <= w.HardTimeLimit {
		errs = append(errs, fmt.Errorf("worker.workspace_max_age (%s) must be greater than worker.hard_time_limit (%s)", w.WorkspaceMaxAge, w.HardTimeLimit))
	}
	if c.Health.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("health.check_interval must be positive, got %s", c.Health.CheckInterval))
	}
	// lock 不會續期，必須撐過整個 job
	if c.Lock.Enabled && c.Lock.TTL <= w.HardTimeLimit {
		errs = append(errs, fmt.Errorf("lock.ttl (%s) must be greater than worker.hard_time_limit (%s)", c.Lock.TTL, w.HardTimeLimit))
	}

	switch c.Queue.Broker {
	case BrokerRedis, BrokerRabbitMQ, BrokerSQS:
	default:
		errs = append(errs, fmt.Errorf("queue.broker %q is not supported", c.Queue.Broker))
	}
	if c.Queue.Broker == BrokerRabbitMQ && c.Queue.RabbitMQ.Prefetch < w.Concurrency {
		errs = append(errs, fmt.Errorf("queue.rabbitmq.prefetch (%d) must be >= worker.concurrency (%d)", c.Queue.RabbitMQ.Prefetch, w.Concurrency))
	}
	if c.Queue.Name == "" || c.Queue.DeadLetterName == "" || c.Queue.Name == c.Queue.DeadLetterName {
		errs = append(errs, errors.New("queue.name and queue.dead_letter_name must be set and distinct"))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must be >= 0"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay (%s) must be >= base_delay (%s) > 0", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}

	t := c.Transform
	if t.TargetWidth <= 0 || t.TargetHeight <= 0 {
		errs = append(errs, fmt.Errorf("transform target resolution %dx%d is invalid", t.TargetWidth, t.TargetHeight))
	}
	if t.MaxDuration <= 0 {
		errs = append(errs, errors.New("transform.max_duration must be positive"))
	}
	if t.FitMode != "pad" && t.FitMode != "crop" {
		errs = append(errs, fmt.Errorf("transform.fit_mode %q must be pad or crop", t.FitMode))
	}
	if t.Watermark.Path != "" && !validCorners[t.Watermark.Corner] {
		errs = append(errs, fmt.Errorf("transform.watermark.corner %q is not supported", t.Watermark.Corner))
	}

	switch c.Storage.Backend {
	case StorageLocal, StorageMinIO:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	switch c.DeadLetter.Store {
	case DeadLetterPostgres, DeadLetterMongo:
	default:
		errs = append(errs, fmt.Errorf("dead_letter.store %q is not supported", c.DeadLetter.Store))
	}

	return errors.Join(errs...)
}
