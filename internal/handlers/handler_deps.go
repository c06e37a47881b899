package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/jobstore"
)

// ObjectStorage defines the operations the upload handlers expect from a
// file store. This allows for decoupling and easier testing; the concrete
// implementation is the storage package's Supabase client.
type ObjectStorage interface {
	Upload(path, contentType string, content []byte) error
	CreateSignedUpload(path string) (string, error)
}

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Store    jobstore.Store
	Broker   broker.Broker
	Logger   *logrus.Logger
	Validate *validator.Validate

	// Storage holds uploaded drawings. Nil when no object store is
	// configured; the upload endpoints then report 503.
	Storage ObjectStorage

	// taskKinds is the set of task kinds the worker fleet knows how to run.
	taskKinds map[string]struct{}
}

// NewApplicationHandler creates a new ApplicationHandler with the given
// dependencies. taskKinds lists the registered task kinds; job creation
// rejects kinds outside this set.
func NewApplicationHandler(store jobstore.Store, b broker.Broker, logger *logrus.Logger, taskKinds []string) *ApplicationHandler {
	kinds := make(map[string]struct{}, len(taskKinds))
	for _, k := range taskKinds {
		kinds[k] = struct{}{}
	}
	return &ApplicationHandler{
		Store:     store,
		Broker:    b,
		Logger:    logger,
		Validate:  validator.New(),
		taskKinds: kinds,
	}
}

func (h *ApplicationHandler) knownKind(kind string) bool {
	_, ok := h.taskKinds[kind]
	return ok
}
