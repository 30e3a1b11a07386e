package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskbridge/internal/broker"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Broker  string `json:"broker"`
	Pending int    `json:"pending"`
}

// HealthHandler reports degraded whenever the broker is not connected.
func HealthHandler(b BrokerState, table Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := b.State()
		resp := HealthResponse{
			Status:  "ok",
			Broker:  state.String(),
			Pending: table.Stats().Pending,
		}
		code := http.StatusOK
		if state != broker.Connected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}
