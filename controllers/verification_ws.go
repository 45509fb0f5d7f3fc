package controller

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"mailprobe/middleware"
	"mailprobe/models"
	"mailprobe/utils"
)

type streamFrame struct {
	Status        string                       `json:"status"`
	Progress      *models.Progress             `json:"progress,omitempty"`
	QueuePosition int                          `json:"queue_position,omitempty"`
	EstimatedWait string                       `json:"estimated_wait,omitempty"`
	Results       []models.VerificationVerdict `json:"results,omitempty"`
	Summary       *models.BatchSummary         `json:"summary,omitempty"`
	Error         string                       `json:"error,omitempty"`
}

// RequireUpgrade rejects plain HTTP requests to the stream endpoint.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamVerification reads batch requests from the socket and answers each
// with progress frames followed by a completed frame carrying the results.
// Every batch holds an admission slot while it runs.
func (vc *VerificationController) StreamVerification(c *websocket.Conn) {
	defer c.Close()

	requester, _ := c.Locals(middleware.RequesterKey).(string)
	log := vc.Logger.WithFields(logrus.Fields{
		"requester": requester,
		"stream":    true,
	})

	for {
		var req BulkRequest
		if err := c.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("Error reading stream request")
			}
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			if err := c.WriteJSON(streamFrame{Status: "error", Error: err.Error()}); err != nil {
				return
			}
			continue
		}
		if err := vc.streamBatch(c, requester, req, log); err != nil {
			log.WithError(err).Debug("Stream closed while writing")
			return
		}
	}
}

// streamBatch only returns an error when the socket can no longer be
// written to.
func (vc *VerificationController) streamBatch(c *websocket.Conn, requester string, req BulkRequest, log *logrus.Entry) error {
	ticket, err := vc.Admission.RequestSlot(requester)
	if err != nil {
		return c.WriteJSON(streamFrame{Status: "error", Error: err.Error()})
	}
	defer ticket.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !ticket.Granted() {
		if err := c.WriteJSON(streamFrame{
			Status:        "queued",
			QueuePosition: ticket.Position(),
			EstimatedWait: utils.FormatDuration(ticket.EstimatedWait),
		}); err != nil {
			return err
		}
		if err := ticket.Wait(ctx); err != nil {
			return c.WriteJSON(streamFrame{Status: "error", Error: "timed out waiting in queue, try again later"})
		}
	}

	start := time.Now()
	var writeErr error
	verdicts, err := vc.Orchestrator.VerifyBatch(ctx, req.Emails, req.Options, func(p models.Progress) {
		if writeErr != nil {
			return
		}
		if writeErr = c.WriteJSON(streamFrame{Status: "processing", Progress: &p}); writeErr != nil {
			cancel()
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		utils.LogError("stream_batch_failed", err, map[string]interface{}{
			"requester": requester,
			"emails":    len(req.Emails),
		})
		return c.WriteJSON(streamFrame{Status: "error", Error: "verification unavailable"})
	}

	summary := models.Summarize(verdicts)
	log.WithFields(logrus.Fields{
		"emails":   len(verdicts),
		"duration": utils.FormatDuration(time.Since(start)),
	}).Info("Stream batch completed")

	return c.WriteJSON(streamFrame{Status: "completed", Results: verdicts, Summary: &summary})
}
