package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sorryhyun/DiPeO-sub011/cmd/dipeo-server/api"
	"github.com/sorryhyun/DiPeO-sub011/cmd/dipeo-server/container"
	"github.com/sorryhyun/DiPeO-sub011/common/bootstrap"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "dipeo-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap dipeo-server: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown()

	serviceContainer := container.NewContainer(components)

	e := setupEcho()
	setupMiddleware(e, components)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: components.Config.Service.CORSOrigins,
	}))
}

func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ec echo.Context) error {
		health := map[string]string{
			"status":  "ok",
			"service": "dipeo-server",
		}
		if c.DB != nil {
			if err := c.DB.Health(ec.Request().Context()); err != nil {
				health["status"] = "degraded"
				health["database"] = err.Error()
			}
		}
		return ec.JSON(200, health)
	})
}

func registerRoutes(e *echo.Echo, c *container.Container) {
	api.RegisterExecutionRoutes(e, c)
	api.RegisterDiagramRoutes(e, c)
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting dipeo-server", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
