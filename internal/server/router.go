package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/SuryanshYadav45/MediLink/internal/approval"
	"github.com/SuryanshYadav45/MediLink/internal/auth"
	"github.com/SuryanshYadav45/MediLink/internal/config"
	"github.com/SuryanshYadav45/MediLink/internal/directory"
	"github.com/SuryanshYadav45/MediLink/internal/metrics"
	"github.com/SuryanshYadav45/MediLink/internal/mw"
	"github.com/SuryanshYadav45/MediLink/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// internalAuth 校验 CRUD 服务调用内部接口时携带的服务令牌,常数时间比较。
func internalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Internal-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, dir *directory.Service, appr *approval.Service, hub *ws.Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(dir, appr)
	api := r.Group("/api/v1")

	// 历史消息接口与 join 使用同一套鉴权:凭证 + 成员校验。
	authed := api.Group("")
	authed.Use(auth.Middleware(cfg.JWTSecret))
	authed.GET("/chats/:listingId/messages", h.ListMessages)

	// 审批事件入口,仅供内部 CRUD 服务调用。
	internal := api.Group("/internal")
	internal.Use(internalAuth(cfg.InternalToken))
	internal.POST("/requests/approved", h.Approved)
	internal.POST("/requests/status", h.StatusChanged)

	r.GET("/ws", ws.Serve(hub, dir, cfg))

	return r
}
