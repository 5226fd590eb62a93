// watch.go는 작업 상태 실시간 구독 명령을 구현합니다.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/insajin/taskwatch/internal/auth"
	"github.com/insajin/taskwatch/internal/clock"
	"github.com/insajin/taskwatch/internal/config"
	"github.com/insajin/taskwatch/internal/logger"
	"github.com/insajin/taskwatch/internal/session"
	"github.com/insajin/taskwatch/internal/task"
	"github.com/insajin/taskwatch/internal/taskapi"
	"github.com/insajin/taskwatch/internal/websocket"
)

// tokenEnv는 토큰을 지정하는 환경변수입니다.
const tokenEnv = config.EnvPrefix + "_TOKEN"

var (
	watchToken       string
	watchUntilDone   bool
	watchNoReconcile bool
	watchNetInterval time.Duration
)

// watchCmd는 작업 상태를 실시간으로 구독하는 명령어입니다.
var watchCmd = &cobra.Command{
	Use:   "watch <task-id>...",
	Short: "작업 상태를 실시간으로 구독합니다",
	Long: `WebSocket으로 서버에 연결하여 지정한 작업의 상태 변경을 실시간으로 표시합니다.

연결이 끊기면 지수 백오프로 재연결하고, 재연결되면 모든 작업을 다시 구독한 뒤
REST API로 끊겨 있던 동안의 상태를 보정합니다.

토큰 우선순위: --token > TASKWATCH_TOKEN > 저장된 자격 증명 (taskwatch login)

SIGINT(Ctrl+C) 또는 SIGTERM 시그널을 수신하면 정상적으로 연결을 종료합니다.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchToken, "token", "",
		"인증 토큰 (또는 "+tokenEnv+" 환경변수)")
	watchCmd.Flags().BoolVar(&watchUntilDone, "until-done", false,
		"모든 작업이 종료 상태가 되면 종료합니다")
	watchCmd.Flags().BoolVar(&watchNoReconcile, "no-reconcile", false,
		"재연결 후 REST API 상태 보정을 하지 않습니다")
	watchCmd.Flags().DurationVar(&watchNetInterval, "net-check-interval", websocket.DefaultNetworkCheckInterval,
		"네트워크 변경 감지 간격 (0이면 비활성화)")
}

// tokenProvider는 플래그, 환경변수, 저장된 자격 증명 순으로 토큰을 찾습니다.
// 저장된 자격 증명은 호출마다 다시 읽으므로 재연결 시 갱신된 토큰이 쓰입니다.
func tokenProvider(cfg *config.Config, flagToken string) auth.TokenProvider {
	return auth.FirstOf(
		auth.StaticToken(flagToken),
		auth.StaticToken(os.Getenv(tokenEnv)),
		auth.NewFileTokenProvider(cfg.Auth.CredentialsFile),
	)
}

// runWatch는 watch 명령의 실행 로직입니다.
func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tokens := tokenProvider(cfg, watchToken)

	sess, err := session.New(cfg,
		session.WithTokenProvider(tokens),
		session.WithLogger(log.Logger),
	)
	if err != nil {
		return err
	}

	taskIDs := uniqueIDs(args)
	if len(taskIDs) == 0 {
		return task.ErrMissingTaskID
	}
	for _, id := range taskIDs {
		if err := sess.Subscribe(id); err != nil {
			return fmt.Errorf("작업 %q 구독 실패: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fatalCh := make(chan error, 1)
	doneCh := make(chan struct{})
	var doneOnce sync.Once

	sess.OnTaskChange(func(rec task.Record) {
		printTaskLine(rec)
		if watchUntilDone && allTerminal(sess, taskIDs) {
			doneOnce.Do(func() { close(doneCh) })
		}
	})

	sess.OnConnectionChange(func(ev websocket.Event) {
		printConnEvent(ev)
		if ev.Kind == websocket.EventError && ev.Fatal {
			select {
			case fatalCh <- ev.Err:
			default:
			}
		}
	})

	if !watchNoReconcile {
		api := taskapi.New(cfg.APIBaseURL(), tokens,
			taskapi.WithTimeout(cfg.APITimeout()),
			taskapi.WithLogger(log.Logger),
		)
		sess.OnReconnected(func(websocket.Event) {
			go reconcileAfterReconnect(ctx, api, sess)
		})
	}

	logger.Info().
		Str("server", cfg.WebSocketURL()).
		Strs("tasks", taskIDs).
		Msg("서버에 연결 중...")

	if err := sess.Start(); err != nil {
		if errors.Is(err, session.ErrNoToken) || errors.Is(err, auth.ErrNoCredentials) {
			return fmt.Errorf("인증 토큰이 필요합니다. 'taskwatch login --token <TOKEN>'으로 저장하거나 --token 플래그를 사용하세요: %w", err)
		}
		return fmt.Errorf("서버 연결 실패: %w", err)
	}

	var monitor *websocket.NetworkMonitor
	if watchNetInterval > 0 {
		monitor = websocket.NewNetworkMonitor(sess.Client(), clock.Real(), watchNetInterval)
		monitor.Start(ctx)
	}

	var exitErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("종료 시그널 수신")
	case err := <-fatalCh:
		exitErr = fmt.Errorf("연결을 복구할 수 없습니다: %w", err)
	case <-doneCh:
		logger.Info().Msg("모든 작업이 종료 상태입니다")
	}

	cancel()
	if monitor != nil {
		monitor.Stop()
	}
	gracefulShutdown(sess)
	return exitErr
}

// reconcileAfterReconnect는 재연결 후 REST 스냅샷으로 놓친 상태를 보정합니다.
func reconcileAfterReconnect(ctx context.Context, api *taskapi.Client, sess *session.Session) {
	ids := sess.Subscriptions()
	if len(ids) == 0 {
		return
	}

	synced, err := api.Reconcile(ctx, ids, sess)
	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Int("synced", synced).Int("total", len(ids)).Msg("재연결 후 작업 상태 보정")
}

// gracefulShutdown는 정상적인 연결 종료를 수행하고 실행 통계를 남깁니다.
func gracefulShutdown(sess *session.Session) {
	logger.Info().Msg("정상 종료 시작")
	sess.Teardown()

	if data, err := sess.Metrics().ToJSON(); err == nil {
		logger.Info().RawJSON("metrics", data).Msg("정상 종료 완료")
	} else {
		logger.Info().Msg("정상 종료 완료")
	}
}

// printTaskLine은 작업 상태 변경을 한 줄로 출력합니다.
func printTaskLine(rec task.Record) {
	line := fmt.Sprintf("%s  %-14s %s  %s",
		mutedStyle.Render(rec.UpdatedAt.Local().Format("15:04:05")),
		rec.TaskID,
		renderProgress(rec.ProgressPercent, rec.Status),
		renderStatus(rec.Status),
	)
	if rec.LastMessage != "" {
		line += "  " + mutedStyle.Render(rec.LastMessage)
	}
	fmt.Println(line)
}

// printConnEvent는 연결 상태 변화를 출력합니다.
func printConnEvent(ev websocket.Event) {
	var detail string
	switch ev.Kind {
	case websocket.EventClosed:
		if ev.RetryIn > 0 {
			detail = fmt.Sprintf("%s 후 재연결 (시도 %d)", ev.RetryIn.Round(time.Millisecond), ev.Attempt)
		}
	case websocket.EventError:
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
	}

	line := fmt.Sprintf("%s  %s %s",
		mutedStyle.Render(ev.At.Local().Format("15:04:05")),
		titleStyle.Render(string(ev.Kind)),
		renderConnState(ev.State),
	)
	if detail != "" {
		line += "  " + mutedStyle.Render(detail)
	}
	fmt.Fprintln(os.Stderr, line)
}

// allTerminal은 모든 작업이 종료 상태인지 확인합니다.
func allTerminal(sess *session.Session, ids []string) bool {
	for _, id := range ids {
		if !sess.IsTerminal(id) {
			return false
		}
	}
	return true
}

// uniqueIDs는 공백을 제거하고 중복을 없앱니다. 순서는 유지합니다.
func uniqueIDs(args []string) []string {
	seen := make(map[string]bool, len(args))
	out := make([]string, 0, len(args))
	for _, a := range args {
		id := strings.TrimSpace(a)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
