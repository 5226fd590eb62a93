package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/insajin/taskwatch/internal/task"
	"github.com/insajin/taskwatch/internal/websocket"
)

// 제목과 라벨 스타일
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4C1D95")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A1A1AA")).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#71717A"))
)

// 연결 상태 스타일
var (
	connOpenStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#14B8A6")).
			Bold(true)

	connClosedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E11D48")).
			Bold(true)

	connPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8B5CF6")).
				Bold(true)
)

// 작업 상태 스타일
var (
	taskCompletedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#14B8A6"))

	taskRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#8B5CF6"))

	taskFailedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E11D48"))

	taskPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#71717A"))
)

const progressBarWidth = 20

// taskStyle은 작업 상태에 맞는 스타일을 고릅니다.
func taskStyle(s task.Status) lipgloss.Style {
	switch {
	case s == task.StatusCompleted:
		return taskCompletedStyle
	case s == task.StatusFailed || s == task.StatusReturned:
		return taskFailedStyle
	case s.IsProcessing():
		return taskRunningStyle
	default:
		return taskPendingStyle
	}
}

// renderStatus는 "tracking (查询物流中)" 형태로 상태를 꾸밉니다.
func renderStatus(s task.Status) string {
	text := s.String()
	if label := s.Label(); label != "" && label != text {
		text = fmt.Sprintf("%s (%s)", text, label)
	}
	return taskStyle(s).Render(text)
}

// renderProgress는 진행률 막대를 그립니다.
func renderProgress(percent int, s task.Status) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent * progressBarWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)
	return taskStyle(s).Render(bar) + fmt.Sprintf(" %3d%%", percent)
}

// timelineGlyphs는 처리 단계 타임라인을 글리프로 만듭니다.
// 지난 단계는 ●, 현재 단계는 ◉, 남은 단계는 ○이며 failed는 첫 칸을 ✕로 표시합니다.
func timelineGlyphs(s task.Status) string {
	steps := task.StatusCompleted.StepIndex() + 1
	cur := s.StepIndex()

	var b strings.Builder
	for i := 0; i < steps; i++ {
		switch {
		case cur < 0 && i == 0:
			b.WriteString("✕")
		case i < cur:
			b.WriteString("●")
		case i == cur:
			b.WriteString("◉")
		default:
			b.WriteString("○")
		}
	}
	return b.String()
}

// renderTimeline은 단계 타임라인을 상태 색으로 그립니다.
func renderTimeline(s task.Status) string {
	return taskStyle(s).Render(timelineGlyphs(s))
}

// renderConnState는 연결 상태를 꾸밉니다.
func renderConnState(s websocket.State) string {
	switch s {
	case websocket.StateOpen:
		return connOpenStyle.Render(s.String())
	case websocket.StateConnecting:
		return connPendingStyle.Render(s.String())
	default:
		return connClosedStyle.Render(s.String())
	}
}

// renderField는 라벨-값 한 줄을 만듭니다.
func renderField(label, value string) string {
	if value == "" {
		value = mutedStyle.Render("-")
	} else {
		value = valueStyle.Render(value)
	}
	return labelStyle.Render(label) + value
}
