package routers

import (
	"github.com/labstack/echo/v4"

	"multillm-api/internal/middleware"
	"multillm-api/internal/providers"
	"multillm-api/internal/setup"
)

type ProvidersRouter struct {
	registry *providers.Registry
}

func RegisterProviderRoutes(e *echo.Group, registry *providers.Registry, umw *middleware.UserManager) {
	providersRouter := ProvidersRouter{registry: registry}

	v1 := e.Group("v1", umw.ExtractUser, umw.RequireUser)
	v1.GET("/providers", providersRouter.ListProviders)
	v1.POST("/providers/:provider/test", providersRouter.TestProvider)
}

type ProviderList struct {
	Data []providers.Status `json:"data"`
}

func (pr *ProvidersRouter) ListProviders(cc echo.Context) error {
	c := cc.(*setup.Context)
	return c.JSON(200, ProviderList{
		Data: pr.registry.Statuses(c.Request().Context()),
	})
}

// TestProvider sends a one token probe upstream and reports latency.
func (pr *ProvidersRouter) TestProvider(cc echo.Context) error {
	c := cc.(*setup.Context)

	name := c.Param("provider")
	result := pr.registry.Test(c.Request().Context(), name)
	if !result.OK {
		c.Log.Warnw("Provider test failed", "provider", name, "error", result.Error)
	}
	return c.JSON(200, result)
}
