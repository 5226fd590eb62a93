// config.go는 설정 관리 명령을 구현합니다.
package cmd

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/insajin/taskwatch/internal/auth"
	"github.com/insajin/taskwatch/internal/config"
)

// configCmd는 설정 관리를 위한 상위 명령어입니다.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "설정을 관리합니다",
	Long: `설정 파일의 값을 조회하거나 수정합니다.

설정 파일 위치: ~/.config/taskwatch/config.yaml

모든 키는 TASKWATCH_ 접두사 환경변수로 덮어쓸 수 있습니다.
  예: TASKWATCH_SERVER_HOST=api.example.com`,
}

// configSetCmd는 설정 값을 저장하는 명령어입니다.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "설정 값을 저장합니다",
	Long: `설정 파일에 값을 저장합니다.

키는 점(.)으로 구분된 경로를 사용합니다.
예시:
  taskwatch config set server.host api.example.com
  taskwatch config set server.tls true
  taskwatch config set reconnection.max_attempts 8

지원하는 설정 키:
  server.host                      - 서버 호스트 (host[:port])
  server.tls                       - wss/https 사용 여부
  heartbeat.interval_seconds       - 하트비트 간격(초)
  heartbeat.connect_timeout_seconds - 연결 타임아웃(초)
  reconnection.max_attempts        - 최대 재연결 시도 횟수
  reconnection.initial_delay_ms    - 초기 재연결 지연(밀리초)
  reconnection.max_delay_ms        - 최대 재연결 지연(밀리초)
  api.base_url                     - REST API 주소 (비어있으면 server.host 사용)
  api.timeout_seconds              - REST 요청 타임아웃(초)
  logging.level                    - 로그 레벨 (debug, info, warn, error)
  logging.format                   - 로그 포맷 (json, text)
  logging.file                     - 로그 파일 경로 (비어있으면 stderr)
  auth.credentials_file            - 자격 증명 파일 경로`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

// configGetCmd는 설정 값을 조회하는 명령어입니다.
var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "설정 값을 조회합니다",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

// configListCmd는 전체 설정을 출력하는 명령어입니다.
var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "전체 설정을 출력합니다",
	RunE:  runConfigList,
}

// configPathCmd는 설정 파일 경로를 출력하는 명령어입니다.
var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "설정 파일 경로를 출력합니다",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(config.DefaultConfigPath())
		return nil
	},
}

// configInitCmd는 기본 설정 파일을 생성하는 명령어입니다.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "기본 설정 파일을 생성합니다",
	Long: `기본 설정 파일을 ~/.config/taskwatch/config.yaml에 생성합니다.

이미 파일이 존재하면 덮어쓰지 않습니다.
강제로 덮어쓰려면 --force 플래그를 사용하세요.`,
	RunE: runConfigInit,
}

var forceInit bool

// validConfigKeys는 config set이 허용하는 키입니다.
var validConfigKeys = map[string]bool{
	"server.host":                       true,
	"server.tls":                        true,
	"heartbeat.interval_seconds":        true,
	"heartbeat.connect_timeout_seconds": true,
	"reconnection.max_attempts":         true,
	"reconnection.initial_delay_ms":     true,
	"reconnection.max_delay_ms":         true,
	"api.base_url":                      true,
	"api.timeout_seconds":               true,
	"logging.level":                     true,
	"logging.format":                    true,
	"logging.file":                      true,
	"auth.credentials_file":             true,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "기존 파일을 덮어씁니다")
}

// runConfigSet은 설정 값을 저장합니다.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if !validConfigKeys[key] {
		return fmt.Errorf("알 수 없는 설정 키: %s (지원: %s)", key, strings.Join(configKeys(), ", "))
	}

	parsed := parseConfigValue(value)
	viper.Set(key, parsed)

	// 저장 전에 전체 설정이 여전히 유효한지 확인
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("설정 로드 실패: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("설정 디렉토리 생성 실패: %w", err)
	}

	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("설정 파일 저장 실패: %w", err)
	}

	fmt.Printf("%s = %v\n", key, parsed)
	fmt.Printf("설정이 저장되었습니다: %s\n", configPath)
	return nil
}

// runConfigGet은 설정 값을 조회합니다.
func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if !viper.IsSet(key) {
		return fmt.Errorf("설정 키를 찾을 수 없습니다: %s", key)
	}
	fmt.Printf("%s = %v\n", key, viper.Get(key))
	return nil
}

// runConfigList는 적용된 전체 설정을 YAML로 출력합니다.
func runConfigList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("설정 로드 실패: %w", err)
	}

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("# 설정 파일: %s\n", configFile)
	} else {
		fmt.Printf("# 설정 파일: (기본값 사용 중)\n")
	}
	fmt.Println()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("YAML 직렬화 실패: %w", err)
	}
	fmt.Println(string(data))

	fmt.Println("# 환경변수 상태:")
	printEnvStatus(tokenEnv)
	return nil
}

// runConfigInit은 기본 설정 파일을 생성합니다.
func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := config.DefaultConfigPath()

	if !forceInit {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("설정 파일이 이미 존재합니다: %s\n--force 플래그로 덮어쓸 수 있습니다", configPath)
		}
	}

	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("설정 디렉토리 생성 실패: %w", err)
	}

	data, err := defaultConfigYAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("설정 파일 생성 실패: %w", err)
	}

	fmt.Printf("설정 파일이 생성되었습니다: %s\n", configPath)
	fmt.Println("\n인증 토큰을 저장하세요:")
	fmt.Println("  taskwatch login --token <TOKEN>")
	return nil
}

// defaultConfigYAML은 기본 설정 파일 내용을 만듭니다.
func defaultConfigYAML() ([]byte, error) {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, fmt.Errorf("YAML 직렬화 실패: %w", err)
	}
	header := "# taskwatch 설정 파일\n# 생성됨: taskwatch config init\n\n"
	return append([]byte(header), data...), nil
}

func configKeys() []string {
	keys := make([]string, 0, len(validConfigKeys))
	for k := range validConfigKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseConfigValue는 문자열 값을 적절한 타입으로 변환합니다.
func parseConfigValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil && (value == "true" || value == "false") {
		return b
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// printEnvStatus는 환경변수 설정 상태를 출력합니다.
func printEnvStatus(envVar string) {
	if value := os.Getenv(envVar); value != "" {
		fmt.Printf("  %s: 설정됨 (%s)\n", envVar, auth.MaskToken(value))
	} else {
		fmt.Printf("  %s: 설정되지 않음\n", envVar)
	}
}
