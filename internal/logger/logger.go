// Package logger는 구조화된 로깅을 제공합니다.
// 로그에 기록되는 토큰과 비밀값은 항상 마스킹됩니다.
package logger

import (
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/config"
)

// 민감 정보 패턴. 각 패턴은 (접두사, 값) 두 그룹을 가지며 값만 마스킹합니다.
// JWT를 먼저 마스킹해야 Bearer/키-값 패턴이 이미 가려진 값을 다시 건드리지 않습니다.
var sensitivePatterns = []*regexp.Regexp{
	// JWT 토큰 (eyJ로 시작하는 Base64 세 조각)
	regexp.MustCompile(`()(eyJ[a-zA-Z0-9\-_]+\.eyJ[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+)`),
	// Bearer 토큰
	regexp.MustCompile(`(Bearer\s+)([a-zA-Z0-9\-_\.]{9,})`),
	// token=, secret: 등 키-값 형태 (URL 쿼리 포함)
	regexp.MustCompile(`((?:api[_-]?key|token|secret|password)\s*[=:]\s*)([a-zA-Z0-9\-_\.%]{10,})`),
}

// maskedWriter는 민감 정보를 마스킹하는 io.Writer입니다.
type maskedWriter struct {
	underlying io.Writer
}

// Write는 민감 정보를 마스킹한 후 기록합니다.
// 호출자에게는 원본 길이를 반환합니다.
func (w *maskedWriter) Write(p []byte) (int, error) {
	masked := MaskSensitive(string(p))
	if _, err := w.underlying.Write([]byte(masked)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Setup은 전역 로거를 초기화합니다.
// 로그 파일을 열었다면 닫기 함수를, 아니면 no-op 함수를 반환합니다.
func Setup(cfg config.LoggingConfig) func() {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Warn().Err(err).Str("file", cfg.File).Msg("로그 파일을 열 수 없어 stderr를 사용합니다")
		} else {
			output = file
			closeFn = func() { _ = file.Close() }
		}
	}

	log.Logger = New(output, cfg.Format)
	return closeFn
}

// New는 마스킹 Writer 위에 로거를 만듭니다.
// format이 "text"이면 콘솔 포맷, 그 외에는 JSON입니다.
func New(w io.Writer, format string) zerolog.Logger {
	masked := &maskedWriter{underlying: w}

	if format == "text" {
		console := zerolog.ConsoleWriter{
			Out:        masked,
			TimeFormat: time.RFC3339,
		}
		return zerolog.New(console).With().Timestamp().Logger()
	}
	return zerolog.New(masked).With().Timestamp().Caller().Logger()
}

// parseLevel은 문자열 레벨을 zerolog.Level로 변환합니다.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// MaskSensitive는 문자열에서 민감 정보를 마스킹합니다.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			groups := pattern.FindStringSubmatch(match)
			if len(groups) != 3 {
				return match
			}
			return groups[1] + maskValue(groups[2])
		})
	}
	return result
}

// maskValue는 앞 4자와 뒤 4자만 남기고 나머지는 ***로 대체합니다.
func maskValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 8 {
		return "***"
	}
	return value[:4] + "***" + value[len(value)-4:]
}

// Debug는 디버그 레벨 로그를 기록합니다.
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info는 정보 레벨 로그를 기록합니다.
func Info() *zerolog.Event {
	return log.Info()
}

// Warn은 경고 레벨 로그를 기록합니다.
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error는 오류 레벨 로그를 기록합니다.
func Error() *zerolog.Event {
	return log.Error()
}

// WithComponent는 component 필드를 추가한 로거를 반환합니다.
func WithComponent(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
