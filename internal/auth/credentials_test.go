package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// testPath는 t.TempDir() 아래의 자격 증명 경로를 반환합니다.
func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "taskwatch", "credentials.json")
}

// TestSave_SavesCredentialsToFile는 자격 증명이 파일에 올바르게 저장되는지 테스트합니다.
func TestSave_SavesCredentialsToFile(t *testing.T) {
	path := testPath(t)
	creds := &Credentials{AccessToken: "test-access-token", ServerHost: "localhost:8000", SavedAt: testNow}

	if err := Save(path, creds); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("credentials 파일 읽기 실패: %v", err)
	}

	var loaded Credentials
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("JSON 파싱 실패: %v", err)
	}
	if loaded.AccessToken != creds.AccessToken {
		t.Errorf("AccessToken = %q, want %q", loaded.AccessToken, creds.AccessToken)
	}
	if loaded.ServerHost != creds.ServerHost {
		t.Errorf("ServerHost = %q, want %q", loaded.ServerHost, creds.ServerHost)
	}
	if !loaded.SavedAt.Equal(testNow) {
		t.Errorf("SavedAt = %v, want %v", loaded.SavedAt, testNow)
	}
}

// TestSave_FilePermissions는 파일이 0600 권한으로 생성되는지 테스트합니다.
func TestSave_FilePermissions(t *testing.T) {
	// Windows에서는 Unix 파일 권한이 적용되지 않으므로 건너뜁니다.
	if runtime.GOOS == "windows" {
		t.Skip("Windows에서는 Unix 파일 권한 테스트를 건너뜁니다")
	}

	path := testPath(t)
	if err := Save(path, &Credentials{AccessToken: "x"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("파일 정보 확인 실패: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("파일 권한 = %o, want %o", perm, 0600)
	}
}

// TestSave_EmptyPath는 빈 경로를 거부하는지 테스트합니다.
func TestSave_EmptyPath(t *testing.T) {
	if err := Save("", &Credentials{AccessToken: "x"}); err == nil {
		t.Error("Save(\"\") should fail")
	}
}

// TestLoad_ReturnsNilForMissingFile은 파일이 없을 때 nil을 반환하는지 테스트합니다.
func TestLoad_ReturnsNilForMissingFile(t *testing.T) {
	creds, err := Load(testPath(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if creds != nil {
		t.Errorf("Load() = %+v, want nil", creds)
	}
}

// TestLoad_HandlesInvalidJSON은 손상된 파일에서 오류를 반환하는지 테스트합니다.
func TestLoad_HandlesInvalidJSON(t *testing.T) {
	path := testPath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{invalid"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on invalid JSON")
	}
}

// TestClear_ThenExists는 삭제 후 존재 여부를 테스트합니다.
func TestClear_ThenExists(t *testing.T) {
	path := testPath(t)
	if err := Save(path, &Credentials{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Fatal("Exists() = false after Save")
	}

	if err := Clear(path); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if Exists(path) {
		t.Error("Exists() = true after Clear")
	}

	// 두 번째 Clear는 오류 없음
	if err := Clear(path); err != nil {
		t.Errorf("second Clear() error = %v", err)
	}
}

// TestIsExpired는 토큰 만료 여부를 테스트합니다.
func TestIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		expected  bool
	}{
		{"만료 정보 없음", time.Time{}, false},
		{"이미 만료된 토큰", testNow.Add(-time.Hour), true},
		{"30초 이내 만료 예정 (버퍼 내)", testNow.Add(10 * time.Second), true},
		{"아직 유효한 토큰 (버퍼 밖)", testNow.Add(5 * time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &Credentials{AccessToken: "x", ExpiresAt: tt.expiresAt}
			if got := creds.IsExpired(testNow); got != tt.expected {
				t.Errorf("IsExpired() = %v, want %v", got, tt.expected)
			}
			if got := creds.IsValid(testNow); got == tt.expected {
				t.Errorf("IsValid() = %v, want %v", got, !tt.expected)
			}
		})
	}
}

// TestMaskToken은 토큰 표시용 마스킹을 테스트합니다.
func TestMaskToken(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "***"},
		{"12345678", "***"},
		{"abcdefghijkl", "abcdefgh..."},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.input); got != tt.expected {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
