package routes

import (
	"time"

	"bulk-order-service/controllers"
	"bulk-order-service/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterBulkOrderRoutes sets up all bulk-order routes.
func RegisterBulkOrderRoutes(r *gin.Engine, bc *controllers.BulkOrderController, parser *middleware.TokenParser, requestTimeout time.Duration) {
	bulk := r.Group("/bulk-orders")
	bulk.Use(middleware.Authenticate(parser))

	// Streaming; admission is decided by the ingress guard, and no request timeout applies.
	bulk.POST("/upload", bc.Upload)

	history := bulk.Group("")
	history.Use(middleware.RequireUser(), middleware.Timeout(requestTimeout))
	history.GET("", bc.ListOperations)
	history.GET("/:id", bc.GetOperation)
	history.GET("/:id/rollback-eligibility", bc.RollbackEligibility)
	history.POST("/:id/rollback", bc.Rollback)
}
