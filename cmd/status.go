// status.go는 REST API로 작업 상태를 한 번 조회하는 명령을 구현합니다.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/insajin/taskwatch/internal/task"
	"github.com/insajin/taskwatch/internal/taskapi"
)

var (
	statusJSON   bool
	statusFilter string
	statusLimit  int
	statusToken  string
)

// statusCmd는 작업 상태를 조회하는 명령어입니다.
var statusCmd = &cobra.Command{
	Use:   "status [task-id]...",
	Short: "작업 상태를 조회합니다",
	Long: `REST API로 작업의 현재 상태를 조회합니다.

작업 ID를 지정하지 않으면 최근 작업 목록을 표시합니다.
실시간으로 상태 변경을 받으려면 'taskwatch watch'를 사용하세요.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "JSON 형식으로 출력")
	statusCmd.Flags().StringVar(&statusFilter, "filter", "", "목록 조회 시 상태 필터 (예: tracking)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "목록 조회 시 최대 개수")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "인증 토큰 (또는 "+tokenEnv+" 환경변수)")
}

// runStatus는 status 명령의 실행 로직입니다.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api := taskapi.New(cfg.APIBaseURL(), tokenProvider(cfg, statusToken),
		taskapi.WithTimeout(cfg.APITimeout()),
		taskapi.WithLogger(log.Logger),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.APITimeout()*2)
	defer cancel()

	var infos []taskapi.TaskInfo
	if ids := uniqueIDs(args); len(ids) > 0 {
		var errs []error
		for _, id := range ids {
			info, err := api.FetchTask(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			infos = append(infos, *info)
		}
		if len(infos) == 0 {
			return errors.Join(errs...)
		}
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, taskFailedStyle.Render(e.Error()))
		}
	} else {
		if statusFilter != "" {
			if _, err := task.ParseStatus(statusFilter); err != nil {
				return err
			}
		}
		infos, err = api.ListTasks(ctx, statusFilter, statusLimit)
		if err != nil {
			return fmt.Errorf("작업 목록 조회 실패: %w", err)
		}
	}

	if statusJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("JSON 직렬화 실패: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(infos) == 0 {
		fmt.Println(mutedStyle.Render("작업이 없습니다."))
		return nil
	}
	for i, info := range infos {
		if i > 0 {
			fmt.Println()
		}
		printTaskInfo(info)
	}
	return nil
}

// printTaskInfo는 작업 상세를 출력합니다.
func printTaskInfo(info taskapi.TaskInfo) {
	st, err := task.ParseStatus(info.Status)
	percent := st.Progress()
	if info.Progress != nil {
		percent = int(*info.Progress)
	}

	fmt.Println(titleStyle.Render(info.TaskID))
	if info.TaskName != "" {
		fmt.Println(renderField("이름", info.TaskName))
	}
	if err != nil {
		fmt.Println(renderField("상태", info.Status))
	} else {
		fmt.Println(labelStyle.Render("상태") + renderStatus(st))
		fmt.Println(labelStyle.Render("진행률") + renderProgress(percent, st))
		fmt.Println(labelStyle.Render("단계") + renderTimeline(st))
	}
	fmt.Println(renderField("운송장", info.TrackingNumber))
	fmt.Println(renderField("택배사", info.CourierCompany))
	if info.DeliveryStatus != "" {
		fmt.Println(renderField("배송 상태", info.DeliveryStatus))
	}
	if info.DocumentURL != "" {
		fmt.Println(renderField("문서", info.DocumentURL))
	}
	if info.ErrorMessage != "" {
		fmt.Println(labelStyle.Render("오류") + taskFailedStyle.Render(info.ErrorMessage))
	}
	if at, ok := info.ChangedAt(); ok {
		fmt.Println(renderField("갱신", at.Local().Format("2006-01-02 15:04:05")))
	}
}
