package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mailprobe/admission"
	"mailprobe/config"
	controller "mailprobe/controllers"
	"mailprobe/middleware"
)

const version = "1.0.0"

type Dependencies struct {
	Config     *config.Config
	Controller *controller.VerificationController
	Admission  *admission.Manager
	// LimiterStorage backs the rate limiter; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	Logger         *logrus.Entry
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	routeLogger := deps.Logger
	if routeLogger == nil {
		routeLogger = logrus.NewEntry(logrus.StandardLogger())
	}

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": version,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	vc := deps.Controller
	api := app.Group("/api/v1",
		logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}),
		middleware.Requester(middleware.RequesterConfig{
			JWTSecret: deps.Config.JWTSecret,
			APIKeys:   deps.Config.APIKeys,
		}),
		middleware.RateLimiter(deps.Config.RateLimit, deps.LimiterStorage),
	)

	// The stream outlives the upgrade request, so it takes an admission
	// slot per batch instead of going through the gate.
	api.Get("/verify/stream", controller.RequireUpgrade, websocket.New(vc.StreamVerification))
	api.Get("/admission/stats", vc.AdmissionStats)

	gate := middleware.Admission(deps.Admission)
	api.Get("/verify", gate, vc.VerifyEmail)
	api.Post("/verify/bulk", gate, vc.BulkVerify)
	api.Post("/jobs", gate, vc.CreateJob)
	api.Get("/jobs/:id", gate, vc.GetJob)
	api.Get("/patterns/:domain", gate, vc.LearnedPatterns)

	routeLogger.Info("Verification routes initialized successfully")
}
