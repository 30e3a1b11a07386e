package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/dispatcher"
)

type SubmitResponse struct {
	ID string `json:"id"`
}

// SubmitHandler accepts any JSON document as a task payload and answers with
// the correlation id. The result is fetched later from GET /tasks/:id.
func SubmitHandler(tasks Submitter, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := c.Request.Body
		if maxBytes > 0 {
			body = http.MaxBytesReader(c.Writer, body, maxBytes)
		}
		payload, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				abort(c, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			abort(c, http.StatusBadRequest, "unreadable body")
			return
		}
		if !json.Valid(payload) {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}

		id, err := tasks.Submit(c.Request.Context(), payload)
		switch {
		case err == nil:
		case errors.Is(err, dispatcher.ErrInvalid):
			abort(c, http.StatusBadRequest, "invalid json")
			return
		case errors.Is(err, dispatcher.ErrUnavailable):
			abort(c, http.StatusServiceUnavailable, err.Error())
			return
		default:
			abort(c, http.StatusInternalServerError, err.Error())
			return
		}

		c.JSON(http.StatusAccepted, SubmitResponse{ID: id})
	}
}
