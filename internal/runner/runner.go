// Package runner 封装任务运行器的 REST 接口。聊天侧只做控制面：
// 启动、停止、查询，任务的真正执行与历史记录都留在运行器一侧。
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "ChatOps-Relay/internal/errors"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 2048
)

// CodeUpstreamFailed 表示运行器返回了错误响应或暂时不可达。
const CodeUpstreamFailed xerrors.Code = "UPSTREAM_FAILED"

func init() {
	xerrors.Register(CodeUpstreamFailed, xerrors.Attributes{
		Message:   "task runner request failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Project 是运行器侧的一个项目。
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Template 是项目下可以启动的一类任务。
type Template struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// TaskState 是运行器汇报的任务瞬时状态。Status 的取值由运行器决定，
// 聊天侧通过 registry.ParseStatus 做归一化。
type TaskState struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Config 描述访问任务运行器所需的信息。
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client 通过 HTTP 访问任务运行器。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 根据配置创建运行器客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置任务运行器地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// ListProjects 列出运行器上的全部项目。
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// ListTemplates 列出某个项目下的任务模板。
func (c *Client) ListTemplates(ctx context.Context, projectID string) ([]Template, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "项目 ID 不能为空")
	}
	var out struct {
		Templates []Template `json:"templates"`
	}
	path := "/api/v1/projects/" + url.PathEscape(projectID) + "/templates"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Templates, nil
}

// StartTask 在运行器上启动一个任务，返回运行器分配的任务 ID。
func (c *Client) StartTask(ctx context.Context, projectID, templateID string, parameters map[string]string) (string, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(templateID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "启动任务需要项目 ID 和模板 ID")
	}
	body := map[string]any{
		"project_id":  projectID,
		"template_id": templateID,
	}
	if len(parameters) > 0 {
		body["parameters"] = parameters
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TaskID) == "" {
		return "", xerrors.New(CodeUpstreamFailed, "运行器未返回任务 ID")
	}
	return out.TaskID, nil
}

// TaskState 查询任务的当前状态。
func (c *Client) TaskState(ctx context.Context, taskID string) (TaskState, error) {
	if strings.TrimSpace(taskID) == "" {
		return TaskState{}, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	var out TaskState
	path := "/api/v1/tasks/" + url.PathEscape(taskID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return TaskState{}, err
	}
	return out, nil
}

// StopTask 请求运行器终止一个任务。终止是异步的，最终状态仍由监控上报。
func (c *Client) StopTask(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/stop"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// TaskOutput 获取任务输出的末尾片段，用于在聊天里展示失败原因。
func (c *Client) TaskOutput(ctx context.Context, taskID string) (string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	var out struct {
		Output string `json:"output"`
	}
	path := "/api/v1/tasks/" + url.PathEscape(taskID) + "/output"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Output, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化运行器请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("构建运行器请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return xerrors.Wrap(CodeUpstreamFailed, err, "请求任务运行器失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(CodeUpstreamFailed, err, "解析运行器响应失败")
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var decoded struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return xerrors.New(xerrors.CodeNotFound, message,
			xerrors.WithMetadata("status", resp.Status))
	case http.StatusConflict:
		return xerrors.New(xerrors.CodeConflict, message,
			xerrors.WithMetadata("status", resp.Status))
	}
	return xerrors.New(CodeUpstreamFailed,
		fmt.Sprintf("运行器返回错误状态 %d: %s", resp.StatusCode, message),
		xerrors.WithMetadata("status", resp.Status))
}
