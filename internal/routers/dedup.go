package routers

import (
	"github.com/labstack/echo/v4"

	"multillm-api/internal/dedup"
	"multillm-api/internal/middleware"
	"multillm-api/internal/setup"
)

type DedupRouter struct {
	dedup *dedup.Deduplicator
}

func RegisterDedupRoutes(e *echo.Group, deduplicator *dedup.Deduplicator, umw *middleware.UserManager) {
	dedupRouter := DedupRouter{dedup: deduplicator}

	v1 := e.Group("v1/dedup", umw.ExtractUser, umw.RequireUser, umw.RequireAdmin)
	v1.GET("/stats", dedupRouter.GetStats)
	v1.GET("/health", dedupRouter.GetHealth)
}

func (dr *DedupRouter) GetStats(cc echo.Context) error {
	c := cc.(*setup.Context)
	return c.JSON(200, dr.dedup.Statistics())
}

func (dr *DedupRouter) GetHealth(cc echo.Context) error {
	c := cc.(*setup.Context)

	status := dr.dedup.Health()
	code := 200
	if !status.Healthy {
		code = 503
	}
	return c.JSON(code, status)
}
