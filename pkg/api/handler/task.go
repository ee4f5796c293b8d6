package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stevelan1995/gridflow/pkg/api/dto"
	"github.com/stevelan1995/gridflow/pkg/core/engine"
	"github.com/stevelan1995/gridflow/pkg/core/registry"
	"github.com/stevelan1995/gridflow/pkg/core/task"
)

// TaskHandler 任务 API 处理器
type TaskHandler struct {
	engine *engine.Engine
}

// NewTaskHandler 创建TaskHandler
func NewTaskHandler(eng *engine.Engine) *TaskHandler {
	return &TaskHandler{engine: eng}
}

func toSummary(r *task.Record) dto.TaskSummary {
	return dto.TaskSummary{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      r.Status,
		RunNumber:   r.RunNumber,
		BatchID:     r.BatchID,
		ResourceID:  r.ResourceID,
		Description: r.Description,
		UpdatedAt:   r.UpdateTime,
	}
}

// List 列出任务
// GET /api/v1/tasks?status=...&batch=...
func (h *TaskHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	repo := h.engine.Repo()

	var (
		records []*task.Record
		err     error
	)
	switch {
	case c.Query("status") != "":
		records, err = repo.ListByStatus(ctx, c.QueryArray("status")...)
	case c.Query("batch") != "":
		records, err = repo.ListByBatch(ctx, c.Query("batch"))
	default:
		records, err = repo.ListAll(ctx)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询任务失败: %v", err)))
		return
	}

	items := make([]dto.TaskSummary, 0, len(records))
	for _, r := range records {
		items = append(items, toSummary(r))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.TaskSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取任务详情
// GET /api/v1/tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	r, err := h.engine.Repo().GetByID(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询任务失败: %v", err)))
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, "任务不存在"))
		return
	}

	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.TaskDetail{
		TaskSummary:    toSummary(r),
		UserID:         r.UserID,
		Workdir:        r.Workdir,
		Params:         r.Params,
		PrereqForSetup: r.PrereqForSetup,
		Log:            r.Log,
		CreatedAt:      r.CreateTime,
	}))
}

// Recover 对失败任务发起恢复
// POST /api/v1/tasks/:id/recover
func (h *TaskHandler) Recover(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.engine.Recover(ctx, id); err != nil {
		c.JSON(http.StatusConflict, dto.NewErrorResponse(409, fmt.Sprintf("恢复失败: %v", err)))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "恢复已受理，任务将重新排队",
		"id":      id,
	}))
}

// Restart 重启任务
// POST /api/v1/tasks/:id/restart
func (h *TaskHandler) Restart(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var req dto.RestartRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("请求参数错误: %v", err)))
		return
	}

	// 重启可以顺带改参数；种类声明的受保护键不跟着改
	if len(req.Params) > 0 {
		r, err := h.engine.Repo().GetByID(ctx, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("查询任务失败: %v", err)))
			return
		}
		if r == nil {
			c.JSON(http.StatusNotFound, dto.NewErrorResponse(404, "任务不存在"))
			return
		}
		var untouchable []string
		if entry, ok := registry.Get(r.Kind); ok {
			untouchable = entry.Portal().UntouchableParams()
		}
		r.ApplyParamUpdates(task.Params(req.Params), untouchable)
		if err := h.engine.Repo().Save(ctx, r); err != nil {
			c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(500, fmt.Sprintf("保存参数修改失败: %v", err)))
			return
		}
	}

	var err error
	switch req.At {
	case "", "setup":
		err = h.engine.RestartAtSetup(ctx, id)
	case "cluster":
		err = h.engine.RestartAtCluster(ctx, id)
	default:
		c.JSON(http.StatusBadRequest, dto.NewErrorResponse(400, fmt.Sprintf("重启起点 %q 不支持，必须是 setup 或 cluster", req.At)))
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, dto.NewErrorResponse(409, fmt.Sprintf("重启失败: %v", err)))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "重启已受理",
		"id":      id,
	}))
}

// Delete 删除任务
// DELETE /api/v1/tasks/:id
func (h *TaskHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.engine.DeleteTask(ctx, id); err != nil {
		c.JSON(http.StatusConflict, dto.NewErrorResponse(409, fmt.Sprintf("删除失败: %v", err)))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(map[string]string{
		"message": "删除成功",
		"id":      id,
	}))
}

// Kinds 列出已注册的任务种类
// GET /api/v1/kinds
func (h *TaskHandler) Kinds(c *gin.Context) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(registry.Names()))
}

// formatDuration 格式化时长
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
