package api

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"taskbridge/internal/broker"
	"taskbridge/internal/correlation"
	"taskbridge/internal/logger"
)

// Submitter accepts new tasks.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) (string, error)
}

// Store exposes correlation state to readers.
type Store interface {
	Read(id string) (correlation.Entry, error)
	Stats() correlation.Stats
}

// BrokerState reports the broker connection state.
type BrokerState interface {
	State() broker.State
}

// Deps wires the handlers to the rest of the service.
type Deps struct {
	Tasks           Submitter
	Table           Store
	Broker          BrokerState
	MaxPayloadBytes int64
	DeadLetterPath  string
	Log             zerolog.Logger
}

// NewRouter builds the HTTP engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(logger.GinMiddleware(d.Log))
	r.Use(gin.Recovery())

	submit := SubmitHandler(d.Tasks, d.MaxPayloadBytes)
	r.POST("/tasks", submit)
	r.POST("/send-task", submit)
	r.GET("/tasks/:id", PollHandler(d.Table))

	r.GET("/healthz", HealthHandler(d.Broker, d.Table))
	r.GET("/metrics", MetricsHandler(d.Broker, d.Table))
	r.GET("/dead-letters", DeadLettersHandler(d.DeadLetterPath))
	return r
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
