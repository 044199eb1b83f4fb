// Package api exposes the retrieval service over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"docrag/config"
	"docrag/internal/logger"
	"docrag/internal/usecase"
)

func SetupRouter(cfg config.ServerConfig, svc *usecase.RetrievalService, maxUploadBytes int64) *gin.Engine {
	switch cfg.GinMode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.RecoveryWithWriter(logger.Writer(logger.LevelError)))
	r.Use(requestLogger())
	r.Use(cors(cfg.CORSOrigins))

	h := NewHandler(svc, maxUploadBytes)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "RAG API is running"})
	})
	r.GET("/health", h.Health)

	r.POST("/upload", h.Upload)
	r.POST("/search", h.Search)

	files := r.Group("/files")
	{
		files.GET("", h.List)
		files.GET("/:file_id", h.Get)
		files.DELETE("/:file_id", h.Delete)
	}

	return r
}
