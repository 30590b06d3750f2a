package adminapi

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the admin introspection routes. router should
// be the root engine or a group mounted at the admin server's root.
func SetupRoutes(router gin.IRouter, deps Deps, handler *Handler) {
	router.GET("/channels", handler.ListChannels)
	router.GET("/channels/:name/status", handler.ChannelStatus)

	router.GET("/registry", handler.ListRegistry)

	workqueue := router.Group("/workqueue")
	{
		workqueue.GET("", handler.ListWorkQueueCapabilities)
		workqueue.GET("/:capability/status", handler.WorkQueueStatus)
	}

	router.GET("/dlq", handler.ListDLQ)
}
