package api

import (
	"github.com/gin-gonic/gin"

	"github.com/stevelan1995/gridflow/pkg/api/handler"
	"github.com/stevelan1995/gridflow/pkg/api/middleware"
	"github.com/stevelan1995/gridflow/pkg/core/engine"
)

// SetupRouter 设置路由
func SetupRouter(eng *engine.Engine, version string) *gin.Engine {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	// 创建handlers
	taskHandler := handler.NewTaskHandler(eng)
	healthHandler := handler.NewHealthHandler(version)

	// 健康检查路由（不带前缀）
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// API v1 路由组
	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.GET("", taskHandler.List)
			tasks.GET("/:id", taskHandler.Get)
			tasks.DELETE("/:id", taskHandler.Delete)
			tasks.POST("/:id/recover", taskHandler.Recover)
			tasks.POST("/:id/restart", taskHandler.Restart)
		}
		v1.GET("/kinds", taskHandler.Kinds)
	}

	return router
}
