package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	xerrors "task-processor/internal/errors"
	"task-processor/internal/task"
)

const banner = `Task Processor API

Endpoints:
- GET  /api/health            service status
- POST /api/tasks             create a task
- GET  /api/tasks             list tasks
- GET  /api/tasks/:id         fetch a task
- POST /api/tasks/:id/cancel  cancel a task
- GET  /api/stats             engine statistics
- WS   /ws                    live task updates

Example:
POST /api/tasks
{"name": "process data", "duration_ms": 5000, "priority": "high"}
`

// CreateTaskRequest 是创建任务的请求体。
type CreateTaskRequest struct {
	Name       string `json:"name"`
	DurationMS uint64 `json:"duration_ms"`
	Priority   string `json:"priority"`
}

// CancelResponse 是取消成功后的响应体。
type CancelResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// HealthResponse 是健康检查的响应体。
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

func (s *Server) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, banner)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: "task-processor", Version: s.opts.Version})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Stats())
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, xerrors.Wrap(task.CodeTaskValidation, err, "请求体解析失败"))
		return
	}

	var priority task.Priority
	if strings.TrimSpace(req.Priority) != "" {
		parsed, err := task.ParsePriority(req.Priority)
		if err != nil {
			writeError(c, err)
			return
		}
		priority = parsed
	}

	created, err := s.service.Create(c.Request.Context(), req.Name, req.DurationMS, priority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (s *Server) handleGetTask(c *gin.Context) {
	found, err := s.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.service.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{Message: "task cancelled", TaskID: id})
}

func (s *Server) handleListTasks(c *gin.Context) {
	opts, err := parseListQuery(c)
	if err != nil {
		writeError(c, err)
		return
	}
	tasks, err := s.service.List(c.Request.Context(), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// parseListQuery 解析 status、priority、limit、offset、order、q 参数。
// status 与 priority 支持逗号分隔的多个取值。
func parseListQuery(c *gin.Context) ([]task.ListOption, error) {
	var opts []task.ListOption

	if raw := c.Query("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status, err := task.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := c.Query("priority"); raw != "" {
		var priorities []task.Priority
		for _, part := range strings.Split(raw, ",") {
			priority, err := task.ParsePriority(part)
			if err != nil {
				return nil, err
			}
			priorities = append(priorities, priority)
		}
		opts = append(opts, task.WithPriorities(priorities...))
	}
	for _, key := range []string{"limit", "offset"} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(task.CodeTaskValidation, key+" 必须为非负整数")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := c.Query("order"); raw != "" {
		opts = append(opts, task.WithSortOrder(task.ParseSortOrder(raw)))
	}
	if raw := c.Query("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskInvalidState, xerrors.CodeInvalidState:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: xerrors.MessageOf(err), Code: code})
}
