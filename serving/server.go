// Package serving exposes a loaded flow as an HTTP scoring endpoint.
package serving

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/connections"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor"
)

// App serves score requests against one loaded flow.
type App struct {
	exec *executor.FlowExecutor
	flow *contracts.Flow
	log  *logger.Logger
	echo *echo.Echo
}

// New loads the flow under cfg.Service.ProjectPath and builds the scoring
// app. The project path is mandatory; the server has nothing to serve
// without it.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg.Service.ProjectPath == "" {
		return nil, errs.User(errs.CodeInvalidConfigValue,
			"PROMPTFLOW_PROJECT_PATH must point at the flow folder to serve")
	}
	flow, err := contracts.LoadFlow(cfg.Service.ProjectPath)
	if err != nil {
		return nil, err
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}

	var store connections.Store
	if cfg.Executor.ConnectionsFile != "" {
		store, err = connections.LoadFileStore(cfg.Executor.ConnectionsFile)
		if err != nil {
			return nil, err
		}
	}

	exec, err := executor.New(flow, store,
		executor.WithLogger(log),
		executor.WithConcurrency(cfg.Executor.NodeConcurrency))
	if err != nil {
		return nil, err
	}

	app := &App{exec: exec, flow: flow, log: log}
	app.echo = app.buildEcho()
	return app, nil
}

func (a *App) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/health", a.health)
	e.POST("/score", a.score)
	return e
}

// Handler returns the HTTP handler, for mounting and for tests.
func (a *App) Handler() http.Handler { return a.echo }

func (a *App) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy"})
}

// score runs one line through the flow. User errors map to 400, engine
// errors to 500; the body carries the serialized error either way.
func (a *App) score(c echo.Context) error {
	var body map[string]any
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error": errs.ToDict(errs.User(errs.CodeInvalidRequest, "invalid request body: %v", err)),
		})
	}

	result := a.exec.ExecLine(c.Request().Context(), body, nil, false)
	if result.RunInfo.Status != contracts.StatusCompleted {
		status := http.StatusInternalServerError
		if kind, ok := result.RunInfo.Error["code"].(string); ok && kind == string(errs.KindUserError) {
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]any{"error": result.RunInfo.Error})
	}
	return c.JSON(http.StatusOK, result.Output)
}
