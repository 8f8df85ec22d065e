package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"VoiceCallRelay/internal/protocol"
)

// Config 中继服务完整配置
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Relay    RelayConfig    `yaml:"relay" mapstructure:"relay"`
	Agent    AgentConfig    `yaml:"agent" mapstructure:"agent"`
	Calendar CalendarConfig `yaml:"calendar" mapstructure:"calendar"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	GRPC     GRPCConfig     `yaml:"grpc" mapstructure:"grpc"`
	Twilio   TwilioConfig   `yaml:"twilio" mapstructure:"twilio"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig HTTP/WebSocket服务配置
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	MediaPath       string        `yaml:"media_path" mapstructure:"media_path"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// RelayConfig 单通电话的中继参数
type RelayConfig struct {
	FrameSize     int           `yaml:"frame_size" mapstructure:"frame_size"`
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size"`
	StartTimeout  time.Duration `yaml:"start_timeout" mapstructure:"start_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ReadLimit     int64         `yaml:"read_limit" mapstructure:"read_limit"`
	SessionTTL    time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// AgentConfig 语音代理连接配置
type AgentConfig struct {
	URL               string        `yaml:"url" mapstructure:"url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	DialTimeout       time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	DialRetries       int           `yaml:"dial_retries" mapstructure:"dial_retries"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" mapstructure:"keepalive_interval"`
	SettingsTemplate  string        `yaml:"settings_template" mapstructure:"settings_template"`
	FunctionTimeout   time.Duration `yaml:"function_timeout" mapstructure:"function_timeout"`
}

// CalendarConfig 日历与日期上下文配置
type CalendarConfig struct {
	Timezone            string        `yaml:"timezone" mapstructure:"timezone"`
	WorkStartHour       int           `yaml:"work_start_hour" mapstructure:"work_start_hour"`
	WorkEndHour         int           `yaml:"work_end_hour" mapstructure:"work_end_hour"`
	AppointmentDuration time.Duration `yaml:"appointment_duration" mapstructure:"appointment_duration"`
}

// DatabaseConfig PostgreSQL配置
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	DBName   string `yaml:"dbname" mapstructure:"dbname"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig 事件流配置
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	Stream    string `yaml:"stream" mapstructure:"stream"`
	MaxLength int64  `yaml:"max_length" mapstructure:"max_length"`
}

// GRPCConfig 健康检查服务配置
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// TwilioConfig 录音回调签名校验
type TwilioConfig struct {
	AuthToken         string `yaml:"auth_token" mapstructure:"auth_token"`
	ValidateSignature bool   `yaml:"validate_signature" mapstructure:"validate_signature"`
	PublicBaseURL     string `yaml:"public_base_url" mapstructure:"public_base_url"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// LoadConfig 加载配置：.env -> 默认值 -> 配置文件 -> RELAY_* 环境变量
func LoadConfig(configPath string) (*Config, error) {
	cfg, _, err := loadConfigFromFile(configPath)
	return cfg, err
}

func loadConfigFromFile(configPath string) (*Config, *viper.Viper, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, v, nil
}

// setDefaultValues 设置默认值
func setDefaultValues(v *viper.Viper) {
	// 服务
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.media_path", "/media-stream")
	v.SetDefault("server.read_buffer_size", 4096)
	v.SetDefault("server.write_buffer_size", 4096)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "30s")

	// 中继
	v.SetDefault("relay.frame_size", protocol.DefaultFrameSize)
	v.SetDefault("relay.queue_size", 256)
	v.SetDefault("relay.start_timeout", "10s")
	v.SetDefault("relay.write_timeout", "5s")
	v.SetDefault("relay.read_limit", 512*1024)
	v.SetDefault("relay.session_ttl", "60m")
	v.SetDefault("relay.sweep_interval", "30s")

	// 语音代理
	v.SetDefault("agent.url", "wss://agent.deepgram.com/v1/agent/converse")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.dial_timeout", "10s")
	v.SetDefault("agent.dial_retries", 3)
	v.SetDefault("agent.keepalive_interval", "5s")
	v.SetDefault("agent.settings_template", "")
	v.SetDefault("agent.function_timeout", "15s")

	// 日历
	v.SetDefault("calendar.timezone", "Europe/Brussels")
	v.SetDefault("calendar.work_start_hour", 9)
	v.SetDefault("calendar.work_end_hour", 17)
	v.SetDefault("calendar.appointment_duration", "1h")

	// 数据库
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "voice_relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "voice-relay:calls")
	v.SetDefault("redis.max_length", 10000)

	// gRPC
	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.addr", ":9090")

	// Twilio
	v.SetDefault("twilio.auth_token", "")
	v.SetDefault("twilio.validate_signature", false)
	v.SetDefault("twilio.public_base_url", "")

	// 日志
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
}

// bindLegacyEnv 兼容不带前缀的常见环境变量
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("agent.api_key", "RELAY_AGENT_API_KEY", "DEEPGRAM_API_KEY")
	_ = v.BindEnv("twilio.auth_token", "RELAY_TWILIO_AUTH_TOKEN", "TWILIO_AUTH_TOKEN")
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("服务地址不能为空")
	}
	if !strings.HasPrefix(c.Server.MediaPath, "/") {
		return fmt.Errorf("媒体流路径必须以/开头: %q", c.Server.MediaPath)
	}

	if c.Relay.FrameSize <= 0 || c.Relay.FrameSize > protocol.MaxFrameSize {
		return fmt.Errorf("帧大小无效: %d", c.Relay.FrameSize)
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("队列长度必须大于0")
	}
	if c.Relay.StartTimeout <= 0 {
		return fmt.Errorf("start等待时间必须大于0")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("写超时必须大于0")
	}
	if c.Relay.SessionTTL <= 0 {
		return fmt.Errorf("会话有效期必须大于0")
	}

	if c.Agent.URL == "" {
		return fmt.Errorf("语音代理地址不能为空")
	}
	if c.Agent.DialRetries < 0 {
		return fmt.Errorf("重试次数不能为负数")
	}

	if c.Calendar.Timezone != "" {
		if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
			return fmt.Errorf("时区无效: %s", c.Calendar.Timezone)
		}
	}
	if c.Calendar.WorkStartHour < 0 || c.Calendar.WorkEndHour > 24 ||
		c.Calendar.WorkStartHour >= c.Calendar.WorkEndHour {
		return fmt.Errorf("营业时间无效: %d-%d", c.Calendar.WorkStartHour, c.Calendar.WorkEndHour)
	}

	if c.Twilio.ValidateSignature && c.Twilio.AuthToken == "" {
		return fmt.Errorf("启用签名校验时必须配置auth_token")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("日志格式无效: %s", c.Logging.Format)
	}

	return nil
}
