package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredentials는 저장된 자격 증명이 없을 때 반환됩니다.
	ErrNoCredentials = errors.New("저장된 자격 증명이 없습니다. 'taskwatch login'으로 토큰을 저장하세요")
	// ErrTokenExpired는 토큰의 exp 클레임이 지났을 때 반환됩니다.
	ErrTokenExpired = errors.New("토큰이 만료되었습니다")
)

// TokenProvider는 세션 토큰을 제공합니다.
// 빈 문자열은 토큰이 없다는 뜻입니다.
type TokenProvider interface {
	Token() (string, error)
}

// StaticToken은 고정된 토큰을 제공합니다.
type StaticToken string

// Token은 고정 토큰을 반환합니다.
func (s StaticToken) Token() (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// FileTokenProvider는 자격 증명 파일에서 토큰을 읽습니다.
// 호출마다 파일을 다시 읽으므로 재연결 시 교체된 토큰이 반영됩니다.
type FileTokenProvider struct {
	path string
	now  func() time.Time
}

// NewFileTokenProvider는 path의 자격 증명을 읽는 provider를 생성합니다.
func NewFileTokenProvider(path string) *FileTokenProvider {
	return &FileTokenProvider{path: path, now: time.Now}
}

// Token은 저장된 토큰을 반환합니다.
func (p *FileTokenProvider) Token() (string, error) {
	creds, err := Load(p.path)
	if err != nil {
		return "", err
	}
	if creds == nil || creds.AccessToken == "" {
		return "", ErrNoCredentials
	}

	// 저장 이후 토큰이 바뀌었을 수 있으므로 exp를 다시 확인
	if exp, ok := TokenExpiry(creds.AccessToken); ok {
		creds.ExpiresAt = exp
	}
	if creds.IsExpired(p.now()) {
		return "", fmt.Errorf("%w (만료 시각 %s)", ErrTokenExpired, creds.ExpiresAt.Format(time.RFC3339))
	}
	return creds.AccessToken, nil
}

// FirstOf는 처음으로 비어 있지 않은 토큰을 돌려주는 provider를 반환합니다.
// 어떤 provider도 토큰을 주지 못하면 마지막 오류를 반환합니다.
func FirstOf(providers ...TokenProvider) TokenProvider {
	return chain(providers)
}

type chain []TokenProvider

func (c chain) Token() (string, error) {
	var lastErr error
	for _, p := range c {
		if p == nil {
			continue
		}
		token, err := p.Token()
		if err != nil {
			lastErr = err
			continue
		}
		if token != "" {
			return token, nil
		}
	}
	return "", lastErr
}

// TokenExpiry는 JWT의 exp 클레임을 서명 검증 없이 읽습니다.
// JWT가 아니거나 exp가 없으면 false를 반환합니다.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
