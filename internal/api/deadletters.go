package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/deadletter"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 1000
)

// DeadLettersHandler lists the most recent dead-lettered messages, oldest
// first. ?limit=N bounds the answer.
func DeadLettersHandler(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultDeadLetterLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				abort(c, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxDeadLetterLimit)
		}

		recs := []deadletter.Record{}
		if path != "" {
			tail, err := deadletter.Tail(path, limit)
			if err != nil {
				abort(c, http.StatusInternalServerError, err.Error())
				return
			}
			recs = append(recs, tail...)
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	}
}
