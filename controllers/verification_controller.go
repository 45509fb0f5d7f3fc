// controller/verification_controller.go
package controller

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailprobe/admission"
	"mailprobe/middleware"
	"mailprobe/models"
	"mailprobe/utils"
	"mailprobe/verifier"
	"mailprobe/worker"
)

const maxAddressLength = 320

// BulkRequest is the body of bulk, job and stream requests.
type BulkRequest struct {
	Emails  []string            `json:"emails" validate:"required,min=1,max=500,dive,max=320"`
	Options models.BatchOptions `json:"options"`
}

type VerificationController struct {
	Engine       *verifier.Engine
	Orchestrator *worker.Orchestrator
	Jobs         *worker.JobRunner
	Admission    *admission.Manager
	Logger       *logrus.Entry
}

func NewVerificationController(engine *verifier.Engine, orchestrator *worker.Orchestrator, jobs *worker.JobRunner, am *admission.Manager, logger *logrus.Entry) *VerificationController {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &VerificationController{
		Engine:       engine,
		Orchestrator: orchestrator,
		Jobs:         jobs,
		Admission:    am,
		Logger:       logger.WithField("component", "verification_controller"),
	}
}

// VerifyEmail verifies a single address. SMTP probing is on unless
// smtp=false; deep=true adds catch-all detection and WHOIS data.
func (vc *VerificationController) VerifyEmail(c *fiber.Ctx) error {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email address is required", nil)
	}
	if len(email) > maxAddressLength {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Email address is too long", nil)
	}

	opts := models.BatchOptions{
		EnableSMTP:       queryBool(c, "smtp", true),
		DeepVerification: queryBool(c, "deep", false),
	}

	verdicts, err := vc.Orchestrator.VerifyBatch(c.UserContext(), []string{email}, opts, nil)
	if err != nil {
		utils.LogError("verify_email_failed", err, map[string]interface{}{
			"requester": middleware.RequesterID(c),
		})
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Verification unavailable", err)
	}

	return c.JSON(utils.SuccessResponse(verdicts[0]))
}

// BulkVerify verifies a batch synchronously and returns the verdicts in
// input order along with a summary.
func (vc *VerificationController) BulkVerify(c *fiber.Ctx) error {
	req, err := parseBulkRequest(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}

	log := vc.Logger.WithFields(logrus.Fields{
		"requester": middleware.RequesterID(c),
		"emails":    len(req.Emails),
	})
	log.Info("Bulk verification started")

	verdicts, err := vc.Orchestrator.VerifyBatch(c.UserContext(), req.Emails, req.Options, nil)
	if err != nil {
		utils.LogError("bulk_verify_failed", err, map[string]interface{}{
			"requester": middleware.RequesterID(c),
			"emails":    len(req.Emails),
		})
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Verification unavailable", err)
	}

	summary := models.Summarize(verdicts)
	log.WithField("valid", summary.Valid).Info("Bulk verification completed")

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"results": verdicts,
		"summary": summary,
	}))
}

// CreateJob starts an asynchronous batch and returns its id.
func (vc *VerificationController) CreateJob(c *fiber.Ctx) error {
	req, err := parseBulkRequest(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request", err)
	}

	job := vc.Jobs.Submit(middleware.RequesterID(c), req.Emails, req.Options)
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(fiber.Map{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": job.Progress,
	}))
}

// GetJob reports a job's progress. Once the job has finished the results
// are returned and the job is forgotten.
func (vc *VerificationController) GetJob(c *fiber.Ctx) error {
	job, err := vc.Jobs.Store().Get(c.Params("id"), middleware.RequesterID(c))
	if errors.Is(err, worker.ErrJobNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Job not found", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load job", err)
	}
	return c.JSON(utils.SuccessResponse(job))
}

func (vc *VerificationController) LearnedPatterns(c *fiber.Ctx) error {
	domain := strings.ToLower(strings.TrimSpace(c.Params("domain")))
	if domain == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Domain is required", nil)
	}

	patterns := vc.Engine.Patterns().Learned(domain)
	if patterns == nil {
		patterns = []string{}
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"domain":   domain,
		"policy":   vc.Engine.Classifier().Classify(domain).String(),
		"patterns": patterns,
	}))
}

func (vc *VerificationController) AdmissionStats(c *fiber.Ctx) error {
	stats := vc.Admission.Stats()
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"active":            stats.Active,
		"queued":            stats.Queued,
		"requesters":        stats.Requesters,
		"max_concurrent":    stats.MaxConcurrent,
		"max_per_requester": stats.MaxPerRequester,
		"average_operation": utils.FormatDuration(stats.AverageOperation),
	}))
}

func parseBulkRequest(c *fiber.Ctx) (BulkRequest, error) {
	var req BulkRequest
	if err := c.BodyParser(&req); err != nil {
		return req, errors.New("invalid request format")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return req, err
	}
	return req, nil
}

func queryBool(c *fiber.Ctx, key string, fallback bool) bool {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
