package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/correlation"
)

type TaskResponse struct {
	ID         string             `json:"id"`
	Status     correlation.Status `json:"status"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
}

func newTaskResponse(e correlation.Entry) TaskResponse {
	resp := TaskResponse{
		ID:        e.ID,
		Status:    e.Status,
		Result:    e.Result,
		Error:     e.Error,
		CreatedAt: e.CreatedAt,
	}
	if !e.ResolvedAt.IsZero() {
		at := e.ResolvedAt
		resp.ResolvedAt = &at
	}
	return resp
}

// PollHandler returns the current state of a task. Under consume-on-read a
// terminal entry is gone after the first successful poll.
func PollHandler(table Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := table.Read(c.Param("id"))
		if err != nil {
			if errors.Is(err, correlation.ErrNotFound) {
				abort(c, http.StatusNotFound, "task not found")
				return
			}
			abort(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, newTaskResponse(e))
	}
}
