// Package taskapi는 작업 조회 REST API 클라이언트입니다.
// 재연결 후 끊겨 있던 동안 놓친 상태 푸시를 권위 있는 스냅샷으로 보정하는 데 사용합니다.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/insajin/taskwatch/internal/auth"
	"github.com/insajin/taskwatch/internal/protocol"
	"github.com/insajin/taskwatch/internal/task"
)

const tasksPath = "/api/v1/tasks"

// ErrNotFound는 작업이 존재하지 않을 때 반환됩니다.
var ErrNotFound = errors.New("작업을 찾을 수 없습니다")

// APIError는 4xx/5xx 응답을 나타냅니다.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API 오류 (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is는 404를 ErrNotFound와 같게 취급합니다.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// apiResponse는 백엔드 API의 표준 응답 형식입니다.
// 프레임워크 기본 오류 응답은 detail 필드만 가집니다.
type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

// TaskInfo는 작업 상세 응답입니다.
type TaskInfo struct {
	TaskID         string   `json:"task_id"`
	TaskName       string   `json:"task_name,omitempty"`
	Status         string   `json:"status"`
	Progress       *float64 `json:"progress,omitempty"`
	TrackingNumber string   `json:"tracking_number,omitempty"`
	CourierCompany string   `json:"courier_company,omitempty"`
	DeliveryStatus string   `json:"delivery_status,omitempty"`
	DocumentURL    string   `json:"document_url,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	CreatedAt      string   `json:"created_at,omitempty"`
	UpdatedAt      string   `json:"updated_at,omitempty"`
	CompletedAt    string   `json:"completed_at,omitempty"`
}

// ChangedAt은 상태가 마지막으로 바뀐 시각을 반환합니다.
// updated_at, completed_at, created_at 순으로 처음 해석되는 값을 사용합니다.
func (t TaskInfo) ChangedAt() (time.Time, bool) {
	for _, raw := range []string{t.UpdatedAt, t.CompletedAt, t.CreatedAt} {
		if raw == "" {
			continue
		}
		if ts, err := protocol.ParseTimestamp(raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

type listData struct {
	Items []TaskInfo `json:"items"`
	Total int        `json:"total"`
}

// Client는 인증된 작업 조회 클라이언트입니다.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenProvider
	logger     zerolog.Logger
}

// Option은 Client 설정 함수입니다.
type Option func(*Client)

// WithHTTPClient는 HTTP 클라이언트를 교체합니다.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout은 요청 타임아웃을 지정합니다.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithLogger는 로거를 지정합니다.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l.With().Str("component", "taskapi").Logger()
	}
}

// New는 새 Client를 생성합니다.
// baseURL은 "https://api.example.com" 형식입니다.
func New(baseURL string, tokens auth.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
		logger:     log.Logger.With().Str("component", "taskapi").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do는 인증된 GET 요청을 실행하고 표준 응답을 해석합니다.
func (c *Client) do(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTP 요청 생성 실패: %w", err)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("인증 토큰 획득 실패: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("path", path).Msg("API 요청 전송")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("서버 통신 실패: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("응답 읽기 실패: %w", err)
	}

	var apiResp apiResponse
	if jsonErr := json.Unmarshal(body, &apiResp); jsonErr != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return nil, fmt.Errorf("응답 파싱 실패 (HTTP %d): %w", resp.StatusCode, jsonErr)
	}

	if resp.StatusCode >= 400 || (!apiResp.Success && apiResp.Data == nil) {
		msg := firstNonEmpty(apiResp.Error, apiResp.Detail, apiResp.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return &apiResp, nil
}

// FetchTask는 작업 하나의 상세를 조회합니다.
func (c *Client) FetchTask(ctx context.Context, taskID string) (*TaskInfo, error) {
	if taskID == "" {
		return nil, task.ErrMissingTaskID
	}

	resp, err := c.do(ctx, tasksPath+"/"+url.PathEscape(taskID))
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return nil, fmt.Errorf("작업 응답 파싱 실패: %w", err)
	}
	if info.TaskID == "" {
		info.TaskID = taskID
	}
	return &info, nil
}

// ListTasks는 작업 목록을 조회합니다. status가 비어 있으면 필터하지 않습니다.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]TaskInfo, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := tasksPath + "/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, path)
	if err != nil {
		return nil, err
	}

	var data listData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("목록 응답 파싱 실패: %w", err)
	}
	return data.Items, nil
}

// Applier는 권위 있는 상태를 로컬 작업 상태에 적용합니다.
// task.Store와 session.Session이 구현합니다.
type Applier interface {
	Reconcile(taskID, status string, at time.Time) (task.Record, error)
}

// Reconcile은 각 작업을 조회해 into에 적용합니다.
// 개별 실패는 모아서 반환하고 나머지 작업은 계속 처리합니다.
// 서버 상태와 일치하게 된 작업 수를 반환합니다.
func (c *Client) Reconcile(ctx context.Context, taskIDs []string, into Applier) (int, error) {
	var (
		synced int
		errs   []error
	)
	for _, id := range taskIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		info, err := c.FetchTask(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("작업 %s 조회: %w", id, err))
			continue
		}

		at, ok := info.ChangedAt()
		if !ok {
			at = time.Now()
		}

		rec, err := into.Reconcile(id, info.Status, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("작업 %s 보정: %w", id, err))
			continue
		}
		synced++

		c.logger.Debug().
			Str("task_id", id).
			Str("status", rec.Status.String()).
			Int("progress", rec.ProgressPercent).
			Msg("작업 상태 보정")
	}
	return synced, errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
