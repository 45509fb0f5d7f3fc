package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"mailprobe/admission"
	"mailprobe/models"
	"mailprobe/testutil"
	"mailprobe/verifier"
	"mailprobe/worker"
)

type mxStub map[string]string

func (m mxStub) ResolveMX(_ context.Context, domain string) verifier.MXResult {
	host, ok := m[domain]
	if !ok {
		return verifier.MXResult{Domain: domain, Detail: "No MX records found for domain: " + domain}
	}
	return verifier.MXResult{Domain: domain, HasMX: true, ExchangeHost: host}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newTestApp(t *testing.T) (*fiber.App, *VerificationController) {
	t.Helper()
	engine := verifier.NewEngine(verifier.EngineConfig{
		Classifier: verifier.NewClassifier([]string{"bigcorp.com"}, []string{}, []string{}),
		Resolver: mxStub{
			"examplecorp.com": "mx.examplecorp.com",
			"company.com":     "mx.company.com",
			"bigcorp.com":     "mx.bigcorp.com",
		},
	})
	pool := worker.NewPool(engine, worker.PoolConfig{Workers: 2})
	pool.Start()
	t.Cleanup(pool.Stop)

	noDelay := models.StrategyTable{
		EnterpriseStrict: models.Strategy{Concurrency: 4},
		Public:           models.Strategy{Concurrency: 1, SMTPEnabled: true},
		Standard:         models.Strategy{Concurrency: 2, SMTPEnabled: true},
	}
	orch := worker.NewOrchestrator(pool, engine.Classifier(), worker.OrchestratorConfig{Strategies: noDelay})
	am := admission.NewManager(admission.Config{})
	t.Cleanup(am.Close)
	jobs := worker.NewJobRunner(context.Background(), worker.NewJobStore(time.Hour), orch, am, nil)

	vc := NewVerificationController(engine, orch, jobs, am, nil)
	app := fiber.New()
	app.Get("/verify", vc.VerifyEmail)
	app.Post("/verify/bulk", vc.BulkVerify)
	app.Post("/jobs", vc.CreateJob)
	app.Get("/jobs/:id", vc.GetJob)
	app.Get("/patterns/:domain", vc.LearnedPatterns)
	app.Get("/admission/stats", vc.AdmissionStats)
	return app, vc
}

func do(t *testing.T, app *fiber.App, method, target, payload string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if payload != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, target, err)
	}
	return resp.StatusCode, env
}

func TestVerifyEmail(t *testing.T) {
	app, _ := newTestApp(t)

	status, env := do(t, app, http.MethodGet, "/verify?email=john.doe@examplecorp.com&smtp=false", "")
	testutil.AssertEqual(t, status, fiber.StatusOK, "status")

	var v models.VerificationVerdict
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &v), "decode verdict")
	testutil.AssertTrue(t, v.Valid, "valid")
	testutil.AssertEqual(t, v.MatchedPattern, "first.last", "pattern")
	testutil.AssertFalse(t, v.HasCheck(models.MethodSMTP, ""), "smtp=false honoured")

	status, env = do(t, app, http.MethodGet, "/verify", "")
	testutil.AssertEqual(t, status, fiber.StatusBadRequest, "missing email")
	testutil.AssertEqual(t, env.Error, "Email address is required", "message")
}

func TestBulkVerify(t *testing.T) {
	app, _ := newTestApp(t)

	payload := `{"emails":["john.doe@examplecorp.com","xk92z@nowhere.test","not-an-email","a@company.com"],"options":{"enable_smtp":false}}`
	status, env := do(t, app, http.MethodPost, "/verify/bulk", payload)
	testutil.AssertEqual(t, status, fiber.StatusOK, "status")

	var data struct {
		Results []models.VerificationVerdict `json:"results"`
		Summary models.BatchSummary          `json:"summary"`
	}
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &data), "decode")
	testutil.AssertEqual(t, len(data.Results), 4, "one verdict per address")
	testutil.AssertEqual(t, data.Results[0].Address, "john.doe@examplecorp.com", "input order")
	testutil.AssertFalse(t, data.Results[1].Valid, "no MX")
	testutil.AssertEqual(t, data.Results[1].Confidence, models.ConfidenceHigh, "no MX is certain")
	testutil.AssertContains(t, data.Results[2].Reasons, "Invalid email format", "malformed kept, not rejected")
	testutil.AssertEqual(t, data.Results[3].Confidence, models.ConfidenceLow, "fallback path")
	testutil.AssertEqual(t, data.Summary.Total, 4, "summary total")
	testutil.AssertEqual(t, data.Summary.Valid, 2, "summary valid")
}

func TestBulkVerify_Validation(t *testing.T) {
	app, _ := newTestApp(t)

	long := strings.Repeat("a", 320) + "@x.com"
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"no emails", `{"emails":[]}`},
		{"address too long", `{"emails":["` + long + `"]}`},
		{"concurrency out of range", `{"emails":["a@b.com"],"options":{"concurrency":51}}`},
		{"delay out of range", `{"emails":["a@b.com"],"options":{"delay_ms":60001}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, app, http.MethodPost, "/verify/bulk", tt.payload)
			testutil.AssertEqual(t, status, fiber.StatusBadRequest, "status")
			testutil.AssertFalse(t, env.Success, "error envelope")
		})
	}

	emails := make([]string, 501)
	for i := range emails {
		emails[i] = "a@b.com"
	}
	b, _ := json.Marshal(map[string]interface{}{"emails": emails})
	status, _ := do(t, app, http.MethodPost, "/verify/bulk", string(b))
	testutil.AssertEqual(t, status, fiber.StatusBadRequest, "more than 500 addresses")
}

func TestJobs(t *testing.T) {
	app, _ := newTestApp(t)

	status, env := do(t, app, http.MethodPost, "/jobs", `{"emails":["jane.roe@examplecorp.com","b@company.com"]}`)
	testutil.AssertEqual(t, status, fiber.StatusAccepted, "accepted")
	var created struct {
		JobID string `json:"job_id"`
	}
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &created), "decode")
	testutil.AssertTrue(t, created.JobID != "", "job id")

	var job models.BatchJob
	testutil.Eventually(t, 3*time.Second, func() bool {
		status, env := do(t, app, http.MethodGet, "/jobs/"+created.JobID, "")
		if status != fiber.StatusOK {
			return false
		}
		_ = json.Unmarshal(env.Data, &job)
		return job.Status == models.JobCompleted
	}, "job completes")
	testutil.AssertEqual(t, len(job.Results), 2, "results returned")
	testutil.AssertEqual(t, job.Progress.Percentage, 100.0, "progress complete")

	status, _ = do(t, app, http.MethodGet, "/jobs/"+created.JobID, "")
	testutil.AssertEqual(t, status, fiber.StatusNotFound, "results handed out once")

	status, _ = do(t, app, http.MethodGet, "/jobs/unknown", "")
	testutil.AssertEqual(t, status, fiber.StatusNotFound, "unknown job")
}

func TestLearnedPatterns(t *testing.T) {
	app, _ := newTestApp(t)

	_, env := do(t, app, http.MethodGet, "/patterns/examplecorp.com", "")
	var before struct {
		Patterns []string `json:"patterns"`
	}
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &before), "decode")
	testutil.AssertEqual(t, len(before.Patterns), 0, "nothing learned yet")

	do(t, app, http.MethodGet, "/verify?email=john.doe@examplecorp.com&smtp=false", "")

	_, env = do(t, app, http.MethodGet, "/patterns/ExampleCorp.com", "")
	var after struct {
		Domain   string   `json:"domain"`
		Policy   string   `json:"policy"`
		Patterns []string `json:"patterns"`
	}
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &after), "decode")
	testutil.AssertEqual(t, after.Domain, "examplecorp.com", "domain normalised")
	testutil.AssertEqual(t, len(after.Patterns), 1, "pattern learned")
	testutil.AssertEqual(t, after.Patterns[0], "first.last", "learned pattern")
}

func TestAdmissionStats(t *testing.T) {
	app, vc := newTestApp(t)

	ticket, err := vc.Admission.RequestSlot("alice")
	testutil.AssertNoError(t, err, "request slot")
	defer ticket.Release()

	status, env := do(t, app, http.MethodGet, "/admission/stats", "")
	testutil.AssertEqual(t, status, fiber.StatusOK, "status")
	var stats struct {
		Active        int `json:"active"`
		Queued        int `json:"queued"`
		MaxConcurrent int `json:"max_concurrent"`
	}
	testutil.AssertNoError(t, json.Unmarshal(env.Data, &stats), "decode")
	testutil.AssertEqual(t, stats.Active, 1, "active")
	testutil.AssertEqual(t, stats.Queued, 0, "queued")
	testutil.AssertEqual(t, stats.MaxConcurrent, 15, "default ceiling")
}
