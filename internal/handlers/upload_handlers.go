package handlers

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/model"
	"blueprintr/extraction-service/internal/utils"
)

var supportedExtensions = map[string]struct{}{
	".pdf": {},
	".dxf": {},
}

// UploadDrawing accepts a multipart drawing upload, stores it in the
// configured bucket and returns the storage path to use as a job input_ref.
// When the optional "kind" form field names a registered task kind, an
// extraction job for the uploaded file is created and published in the same
// request.
// POST /api/v1/drawings/upload
func (h *ApplicationHandler) UploadDrawing(c *fiber.Ctx) error {
	if h.Storage == nil {
		return utils.RespondWithError(c, fiber.StatusServiceUnavailable, "File storage is not configured")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Error getting file: %v", err))
	}

	ext := strings.ToLower(path.Ext(file.Filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			fmt.Sprintf("Unsupported file extension '%s'", ext))
	}

	kind := c.FormValue("kind")
	if kind != "" && !h.knownKind(kind) {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			fmt.Sprintf("Unknown task kind '%s'", kind))
	}

	fileHandle, err := file.Open()
	if err != nil {
		h.Logger.WithError(err).Error("Failed to open uploaded file")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Error opening file")
	}
	defer fileHandle.Close()

	fileContent, err := io.ReadAll(fileHandle)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to read uploaded file")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Error reading file")
	}

	storagePath := fmt.Sprintf("uploads/%s%s", uuid.NewString(), ext)
	if err := h.Storage.Upload(storagePath, file.Header.Get("Content-Type"), fileContent); err != nil {
		h.Logger.WithError(err).WithField("storage_path", storagePath).Error("Storage upload failed")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Error uploading file")
	}

	h.Logger.WithFields(map[string]interface{}{
		"storage_path": storagePath,
		"size_bytes":   len(fileContent),
	}).Info("Drawing uploaded")

	response := fiber.Map{
		"input_ref": storagePath,
		"filename":  file.Filename,
	}
	if kind == "" {
		return utils.RespondWithJSON(c, fiber.StatusCreated, response)
	}

	job := &model.Job{
		ID:         uuid.New(),
		Status:     model.StatusPending,
		TaskKind:   kind,
		InputRef:   storagePath,
		MaxRetries: model.DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Store.Create(c.Context(), job); err != nil {
		h.Logger.WithError(err).Error("Failed to persist job for uploaded drawing")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "File stored but job creation failed")
	}
	if err := h.Broker.Publish(c.Context(), broker.NewDelivery(job.ID, job.TaskKind)); err != nil {
		h.Logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to publish task, dispatcher will recover")
	}

	h.Logger.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"task_kind": kind,
	}).Info("Job created for uploaded drawing")
	response["job"] = job
	return utils.RespondWithJSON(c, fiber.StatusCreated, response)
}

// CreateSignedUpload generates a signed upload URL so large drawings can be
// uploaded to storage directly by the client instead of proxied.
// POST /api/v1/drawings/upload/signed
func (h *ApplicationHandler) CreateSignedUpload(c *fiber.Ctx) error {
	if h.Storage == nil {
		return utils.RespondWithError(c, fiber.StatusServiceUnavailable, "File storage is not configured")
	}

	var req struct {
		Filename string `json:"filename" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest, fmt.Sprintf("Cannot parse JSON: %v", err))
	}
	if err := h.Validate.Struct(&req); err != nil {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			strings.Join(utils.FormatValidationErrors(err), "; "))
	}

	ext := strings.ToLower(path.Ext(req.Filename))
	if _, ok := supportedExtensions[ext]; !ok {
		return utils.RespondWithError(c, fiber.StatusBadRequest,
			fmt.Sprintf("Unsupported file extension '%s'", ext))
	}

	storagePath := fmt.Sprintf("uploads/%s%s", uuid.NewString(), ext)
	uploadURL, err := h.Storage.CreateSignedUpload(storagePath)
	if err != nil {
		h.Logger.WithError(err).Error("Failed to create signed upload URL")
		return utils.RespondWithError(c, fiber.StatusInternalServerError, "Could not generate upload URL")
	}

	return utils.RespondWithJSON(c, fiber.StatusCreated, fiber.Map{
		"input_ref":  storagePath,
		"upload_url": uploadURL,
	})
}
