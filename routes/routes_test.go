package routes

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailprobe/admission"
	"mailprobe/config"
	controller "mailprobe/controllers"
	"mailprobe/models"
	"mailprobe/testutil"
	"mailprobe/verifier"
	"mailprobe/worker"
)

type noMX struct{}

func (noMX) ResolveMX(_ context.Context, domain string) verifier.MXResult {
	return verifier.MXResult{Domain: domain, Detail: "No MX records found for domain: " + domain}
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	engine := verifier.NewEngine(verifier.EngineConfig{Resolver: noMX{}})
	pool := worker.NewPool(engine, worker.PoolConfig{Workers: 1})
	pool.Start()
	t.Cleanup(pool.Stop)
	orch := worker.NewOrchestrator(pool, engine.Classifier(), worker.OrchestratorConfig{Strategies: models.DefaultStrategies()})
	am := admission.NewManager(admission.Config{})
	t.Cleanup(am.Close)
	jobs := worker.NewJobRunner(context.Background(), worker.NewJobStore(time.Hour), orch, am, nil)

	cfg := &config.Config{
		APIKeys:   []string{"test-key-123456"},
		RateLimit: config.RateLimitConfig{Max: 100, Expiration: time.Minute},
	}
	app := fiber.New()
	SetupRoutes(app, Dependencies{
		Config:     cfg,
		Controller: controller.NewVerificationController(engine, orch, jobs, am, nil),
		Admission:  am,
	})
	return app
}

func get(t *testing.T, app *fiber.App, target string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("GET %s: %v", target, err)
	}
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	resp, body := get(t, app, "/", nil)
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusOK, "health")
	testutil.AssertContains(t, body, "running", "health body")

	resp, body = get(t, app, "/metrics", nil)
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusOK, "metrics")
	testutil.AssertContains(t, body, "mailprobe_", "exported collectors")
}

func TestAPIRequiresCredentials(t *testing.T) {
	app := newTestApp(t)

	resp, _ := get(t, app, "/api/v1/verify?email=a@b.test", nil)
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusUnauthorized, "anonymous rejected")

	resp, body := get(t, app, "/api/v1/verify?email=someone@nowhere.test", map[string]string{"X-API-Key": "test-key-123456"})
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusOK, "api key accepted")
	testutil.AssertContains(t, body, "No MX records", "verdict returned")

	resp, body = get(t, app, "/api/v1/admission/stats", map[string]string{"X-API-Key": "test-key-123456"})
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusOK, "stats")
	testutil.AssertContains(t, body, "max_per_requester", "stats body")
}

func TestStreamRequiresUpgrade(t *testing.T) {
	app := newTestApp(t)

	resp, _ := get(t, app, "/api/v1/verify/stream", map[string]string{"X-API-Key": "test-key-123456"})
	testutil.AssertEqual(t, resp.StatusCode, fiber.StatusUpgradeRequired, "plain GET refused")
}
