// login.go는 인증 토큰 저장과 삭제 명령을 구현합니다.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/insajin/taskwatch/internal/auth"
	"github.com/insajin/taskwatch/internal/logger"
	"github.com/insajin/taskwatch/internal/taskapi"
)

var (
	loginToken  string
	loginVerify bool
)

// loginCmd는 인증 토큰을 저장하는 명령어입니다.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "인증 토큰을 저장합니다",
	Long: `작업 서버에서 발급받은 토큰을 자격 증명 파일에 저장합니다.

--token을 생략하면 표준 입력에서 토큰을 읽습니다.
토큰은 ~/.config/taskwatch/credentials.json에 0600 권한으로 저장되며,
이후 'taskwatch watch'와 'taskwatch status'가 자동으로 사용합니다.`,
	RunE: runLogin,
}

// logoutCmd는 저장된 토큰을 삭제하는 명령어입니다.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "저장된 인증 정보를 삭제합니다",
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVar(&loginToken, "token", "", "저장할 인증 토큰")
	loginCmd.Flags().BoolVar(&loginVerify, "verify", true, "저장 전에 REST API로 토큰을 확인합니다")
}

// runLogin은 토큰을 확인하고 저장합니다.
func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := strings.TrimSpace(loginToken)
	if token == "" {
		fmt.Fprint(os.Stderr, "토큰: ")
		token, err = readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}
	if token == "" {
		return fmt.Errorf("토큰이 비어 있습니다")
	}

	creds := auth.NewCredentials(token, cfg.Server.Host, time.Now())
	if creds.IsExpired(time.Now()) {
		return fmt.Errorf("%w: %s에 만료됨", auth.ErrTokenExpired, creds.ExpiresAt.Local().Format(time.RFC3339))
	}

	if loginVerify {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.APITimeout())
		defer cancel()

		api := taskapi.New(cfg.APIBaseURL(), auth.StaticToken(token), taskapi.WithTimeout(cfg.APITimeout()))
		if _, err := api.ListTasks(ctx, "", 1); err != nil {
			return fmt.Errorf("토큰 확인 실패: %w", err)
		}
	}

	if err := auth.Save(cfg.Auth.CredentialsFile, creds); err != nil {
		return fmt.Errorf("인증 정보 저장 실패: %w", err)
	}

	logger.Info().
		Str("token", auth.MaskToken(token)).
		Str("server", creds.ServerHost).
		Msg("인증 정보 저장 완료")

	fmt.Println(titleStyle.Render("로그인 완료"))
	fmt.Println(renderField("토큰", auth.MaskToken(token)))
	fmt.Println(renderField("서버", creds.ServerHost))
	if !creds.ExpiresAt.IsZero() {
		fmt.Println(renderField("만료", creds.ExpiresAt.Local().Format(time.RFC3339)))
	}
	fmt.Println(renderField("저장 위치", cfg.Auth.CredentialsFile))
	return nil
}

// runLogout은 저장된 인증 정보를 삭제합니다.
func runLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !auth.Exists(cfg.Auth.CredentialsFile) {
		fmt.Println("저장된 인증 정보가 없습니다.")
		return nil
	}

	if err := auth.Clear(cfg.Auth.CredentialsFile); err != nil {
		return fmt.Errorf("인증 정보 삭제 실패: %w", err)
	}

	fmt.Println("로그아웃 완료. 인증 정보가 삭제되었습니다.")
	return nil
}

// readToken은 입력의 첫 줄을 토큰으로 읽습니다.
func readToken(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("토큰 읽기 실패: %w", err)
	}
	return "", nil
}
