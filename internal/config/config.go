// Package config는 taskwatch의 설정 관리를 담당합니다.
// 설정 우선순위: 환경변수(TASKWATCH_*) > 설정파일 > 기본값
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/insajin/taskwatch/internal/websocket"
)

// EnvPrefix는 환경변수 접두사입니다.
const EnvPrefix = "TASKWATCH"

// Config는 전체 애플리케이션 설정을 나타냅니다.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Heartbeat    HeartbeatConfig    `mapstructure:"heartbeat" yaml:"heartbeat"`
	Reconnection ReconnectionConfig `mapstructure:"reconnection" yaml:"reconnection"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Auth         AuthConfig         `mapstructure:"auth" yaml:"auth"`
}

// ServerConfig는 알림 서버 연결 설정입니다.
type ServerConfig struct {
	// Host는 host[:port] 형식의 서버 주소입니다.
	Host string `mapstructure:"host" yaml:"host"`
	// TLS가 true이면 wss, 아니면 ws를 사용합니다.
	TLS bool `mapstructure:"tls" yaml:"tls"`
}

// HeartbeatConfig는 하트비트와 연결 타임아웃 설정입니다.
type HeartbeatConfig struct {
	IntervalSeconds       int `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds" yaml:"connect_timeout_seconds"`
}

// ReconnectionConfig는 재연결 설정입니다.
type ReconnectionConfig struct {
	// MaxAttempts는 최대 재연결 시도 횟수입니다 (0 = 무제한).
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// InitialDelayMs는 초기 재연결 지연 시간(밀리초)입니다.
	InitialDelayMs int `mapstructure:"initial_delay_ms" yaml:"initial_delay_ms"`
	// MaxDelayMs는 최대 재연결 지연 시간(밀리초)입니다.
	MaxDelayMs int `mapstructure:"max_delay_ms" yaml:"max_delay_ms"`
}

// APIConfig는 작업 조회 REST API 설정입니다.
type APIConfig struct {
	// BaseURL이 비어 있으면 서버 설정에서 http(s)://host를 유도합니다.
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// LoggingConfig는 로깅 설정입니다.
type LoggingConfig struct {
	// Level은 로그 레벨입니다 (debug, info, warn, error).
	Level string `mapstructure:"level" yaml:"level"`
	// Format은 로그 포맷입니다 (json, text).
	Format string `mapstructure:"format" yaml:"format"`
	// File은 로그 파일 경로입니다. 비어있으면 stderr로 출력합니다.
	File string `mapstructure:"file" yaml:"file"`
}

// AuthConfig는 인증 설정입니다.
type AuthConfig struct {
	// CredentialsFile은 토큰을 저장하는 파일 경로입니다.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// Default는 기본 설정을 반환합니다.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost:8000",
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:       30,
			ConnectTimeoutSeconds: 10,
		},
		Reconnection: ReconnectionConfig{
			MaxAttempts:    5,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
		},
		API: APIConfig{
			TimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			CredentialsFile: filepath.Join("~", ".config", "taskwatch", "credentials.json"),
		},
	}
}

// SetDefaults는 viper 인스턴스에 기본값을 등록합니다.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.tls", d.Server.TLS)

	v.SetDefault("heartbeat.interval_seconds", d.Heartbeat.IntervalSeconds)
	v.SetDefault("heartbeat.connect_timeout_seconds", d.Heartbeat.ConnectTimeoutSeconds)

	v.SetDefault("reconnection.max_attempts", d.Reconnection.MaxAttempts)
	v.SetDefault("reconnection.initial_delay_ms", d.Reconnection.InitialDelayMs)
	v.SetDefault("reconnection.max_delay_ms", d.Reconnection.MaxDelayMs)

	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.timeout_seconds", d.API.TimeoutSeconds)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("auth.credentials_file", d.Auth.CredentialsFile)
}

// Load는 전역 viper에서 설정을 로드합니다.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom은 주어진 viper 인스턴스에서 설정을 로드합니다.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("설정 파싱 실패: %w", err)
	}

	// 홈 디렉토리 경로 확장
	cfg.Auth.CredentialsFile = expandPath(cfg.Auth.CredentialsFile)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	return &cfg, nil
}

// Validate는 설정의 유효성을 검사합니다.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host가 비어 있습니다")
	}
	if strings.Contains(c.Server.Host, "://") {
		return fmt.Errorf("server.host에는 스킴을 넣지 않습니다: %s (server.tls로 wss 사용)", c.Server.Host)
	}

	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat.interval_seconds는 1 이상이어야 합니다")
	}
	if c.Heartbeat.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat.connect_timeout_seconds는 1 이상이어야 합니다")
	}

	// 재연결 설정 검증 (0 = 무제한)
	if c.Reconnection.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts는 0 이상이어야 합니다 (0 = 무제한)")
	}
	if c.Reconnection.InitialDelayMs <= 0 {
		return fmt.Errorf("initial_delay_ms는 1 이상이어야 합니다")
	}
	if c.Reconnection.MaxDelayMs < c.Reconnection.InitialDelayMs {
		return fmt.Errorf("max_delay_ms(%d)는 initial_delay_ms(%d) 이상이어야 합니다",
			c.Reconnection.MaxDelayMs, c.Reconnection.InitialDelayMs)
	}

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("유효하지 않은 api.base_url: %s", c.API.BaseURL)
		}
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds는 1 이상이어야 합니다")
	}

	// 로그 레벨 검증
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("유효하지 않은 로그 레벨: %s (debug, info, warn, error 중 하나)", c.Logging.Level)
	}

	// 로그 포맷 검증
	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("유효하지 않은 로그 포맷: %s (json, text 중 하나)", c.Logging.Format)
	}

	return nil
}

// WebSocketURL은 ws(s)://host 형식의 기본 URL을 반환합니다.
func (c *Config) WebSocketURL() string {
	return websocket.BaseURL(c.Server.Host, c.Server.TLS)
}

// APIBaseURL은 REST API 기본 URL을 반환합니다.
// api.base_url이 없으면 서버 설정에서 http(s)://host를 유도합니다.
func (c *Config) APIBaseURL() string {
	if c.API.BaseURL != "" {
		return strings.TrimRight(c.API.BaseURL, "/")
	}
	scheme := "http"
	if c.Server.TLS {
		scheme = "https"
	}
	return scheme + "://" + c.Server.Host
}

// ReconnectPolicy는 재연결 설정을 websocket.ReconnectPolicy로 변환합니다.
func (c *Config) ReconnectPolicy() websocket.ReconnectPolicy {
	return websocket.ReconnectPolicy{
		BaseDelay:   time.Duration(c.Reconnection.InitialDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Reconnection.MaxDelayMs) * time.Millisecond,
		MaxAttempts: c.Reconnection.MaxAttempts,
	}
}

// HeartbeatInterval은 ping 간격을 반환합니다.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// ConnectTimeout은 연결 타임아웃을 반환합니다.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Heartbeat.ConnectTimeoutSeconds) * time.Second
}

// APITimeout은 REST 요청 타임아웃을 반환합니다.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// expandPath는 ~를 홈 디렉토리로 확장합니다.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ConfigDir는 설정 디렉토리 경로를 반환합니다.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "taskwatch")
}

// EnsureConfigDir는 설정 디렉토리가 존재하는지 확인하고 없으면 생성합니다.
func EnsureConfigDir() error {
	dir := ConfigDir()
	if dir == "" {
		return fmt.Errorf("홈 디렉토리를 찾을 수 없습니다")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("설정 디렉토리 생성 실패: %w", err)
	}
	return nil
}

// DefaultConfigPath는 기본 설정 파일 경로를 반환합니다.
func DefaultConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}
