// Package main은 taskwatch CLI의 진입점입니다.
// 작업 서버와 WebSocket으로 연결하여 작업 상태 변경을 실시간으로 받아봅니다.
package main

import (
	"os"

	"github.com/insajin/taskwatch/cmd"
)

// 빌드 시 ldflags로 주입되는 버전 정보
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// 버전 정보를 root 패키지에 설정
	cmd.SetVersionInfo(version, commit, buildDate)

	// CLI 실행
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
