package health

import (
	"fmt"
	"strconv"

	"video_worker/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Response /healthz 與 /readyz 的回應
type Response struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// NewHTTPServer 建立 health / metrics 的 fiber app
// gatherer 為 nil 時使用 prometheus.DefaultGatherer
func NewHTTPServer(c *Checker, gatherer prometheus.Gatherer) *fiber.App {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(ctx *fiber.Ctx) error {
		return ctx.JSON(Response{Status: "ok"})
	})
	app.Get("/readyz", readyHandler(c))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	app.Post("/debug", debugLogFlag)
	return app
}

func readyHandler(c *Checker) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		// ?fresh=true 時立即檢查，不等下一輪
		if ctx.QueryBool("fresh") {
			c.Check(ctx.UserContext())
		}
		ready, deps := c.Ready()
		if !ready {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(Response{Status: "unavailable", Dependencies: deps})
		}
		return ctx.JSON(Response{Status: "ok", Dependencies: deps})
	}
}

// debugLogFlag 切換 debug log，POST /debug?status=true
func debugLogFlag(ctx *fiber.Ctx) error {
	statusStr := ctx.Query("status")
	status, err := strconv.ParseBool(statusStr)
	if err != nil {
		return ctx.SendStatus(fiber.StatusBadRequest)
	}
	logger.Log.Info("debug", zap.Bool("status", status))
	logger.Log.SetDebugMode(status)
	return ctx.SendString(fmt.Sprintf("debug mode is : %t", status))
}
