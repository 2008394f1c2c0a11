package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ledgermesh/ledgermesh/internal/config"
)

func NewRouter(api *API, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, api)
	return r
}
