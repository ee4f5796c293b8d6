// Package dto 定义 API 的请求与响应结构。
package dto

import "time"

// Response 统一响应包装
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse 成功响应
func NewSuccessResponse(data interface{}) Response {
	return Response{Code: 0, Message: "ok", Data: data}
}

// NewErrorResponse 错误响应
func NewErrorResponse(code int, message string) Response {
	return Response{Code: code, Message: message}
}

// APIResponse 带类型参数的响应包装，供客户端解码使用
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

// TaskSummary 任务摘要
type TaskSummary struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	RunNumber   int       `json:"run_number"`
	BatchID     string    `json:"batch_id,omitempty"`
	ResourceID  string    `json:"resource_id,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskDetail 任务详情
type TaskDetail struct {
	TaskSummary
	UserID         string                 `json:"user_id,omitempty"`
	Workdir        string                 `json:"workdir,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	PrereqForSetup map[string]string      `json:"prereq_for_setup,omitempty"`
	Log            []string               `json:"log,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// RestartRequest 重启请求
type RestartRequest struct {
	// At 重启起点：setup 或 cluster
	At string `json:"at"`

	// Params 重启前应用的参数修改；种类声明的受保护键会被忽略
	Params map[string]interface{} `json:"params,omitempty"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}
