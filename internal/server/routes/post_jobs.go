package routes

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/corvid/backend/internal/queue"
	"github.com/OFFIS-RIT/corvid/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
)

// CreateJobHandler queues an analysis job for the worker.
func CreateJobHandler(c echo.Context) error {
	type createJobBody struct {
		RunAt   *time.Time `json:"run_at"`
		Seeds   []string   `json:"seeds" validate:"dive,required"`
		Formats []string   `json:"formats" validate:"dive,oneof=json yaml yml graphml"`
	}
	type createJobResponse struct {
		Message string    `json:"message"`
		JobID   string    `json:"job_id,omitempty"`
		RunAt   time.Time `json:"run_at,omitzero"`
	}

	data := new(createJobBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createJobResponse{Message: "Invalid request body"})
	}

	app := appOf(c)
	user := c.(*middleware.AppContext).User
	if app.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, createJobResponse{Message: "Job queue is not configured"})
	}

	jobID, err := gonanoid.New()
	if err != nil {
		return internalError(c, err)
	}
	job := queue.AnalysisJobMsg{
		Message:     "Analysis requested",
		JobID:       jobID,
		RunAt:       app.Now().UTC(),
		Seeds:       data.Seeds,
		Formats:     data.Formats,
		RequestedBy: user.UserID,
	}
	if data.RunAt != nil {
		job.RunAt = data.RunAt.UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return internalError(c, err)
	}
	if err := queue.PublishFIFO(c.Request().Context(), app.Queue, queue.AnalysisQueue, body); err != nil {
		return internalError(c, err)
	}

	logger.Info("[Server] Analysis job queued", "job_id", jobID, "user", user.UserID)
	return c.JSON(http.StatusAccepted, createJobResponse{Message: "Job queued", JobID: jobID, RunAt: job.RunAt})
}
