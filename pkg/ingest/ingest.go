// Package ingest accepts new SBOM documents and schedules their assessment.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/assessment"
	"github.com/sbomify/assessments/pkg/events"
	"github.com/sbomify/assessments/pkg/sbom"
	"github.com/sbomify/assessments/pkg/storage"
)

// Enqueuer schedules the assessments of a new artifact inside the
// transaction that creates it.
type Enqueuer interface {
	EnqueueAssessmentsForSBOM(ctx context.Context, tx *gorm.DB, artifactID, teamID string, reason assessment.RunReason) ([]string, error)
}

// Upload is the outcome of an accepted document.
type Upload struct {
	Artifact *storage.ArtifactRecord
	// Plugins are the assessments scheduled for the artifact.
	Plugins []string
}

// Service stores uploaded documents.
type Service struct {
	store    *storage.Store
	enqueuer Enqueuer
	events   events.Publisher
	logger   *slog.Logger
}

// NewService creates a Service. A nil publisher drops events.
func NewService(store *storage.Store, enqueuer Enqueuer, pub events.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{store: store, enqueuer: enqueuer, events: pub, logger: logger}
}

// Upload stores data for teamID. The artifact row and its assessment
// requests commit together, so assessments start only for artifacts that
// exist, and every committed artifact has its requests queued.
//
// An unknown format is sniffed from the document; documents that cannot be
// sniffed are stored as is and the plugins report them.
func (s *Service) Upload(ctx context.Context, teamID, name string, format sbom.Format, data []byte) (*Upload, error) {
	if teamID == "" {
		return nil, fmt.Errorf("upload: team id is required")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("upload: empty document")
	}
	if format == sbom.FormatUnknown {
		if _, detected, err := sbom.Load(data, sbom.FormatUnknown); err == nil {
			format = detected
		}
	}

	var plugins []string
	rec, err := s.store.Upload(ctx, teamID, name, format, data, func(tx *gorm.DB, rec *storage.ArtifactRecord) error {
		var err error
		plugins, err = s.enqueuer.EnqueueAssessmentsForSBOM(ctx, tx, rec.ID, teamID, assessment.ReasonOnUpload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	s.logger.Info("sbom uploaded",
		"artifactID", rec.ID, "teamID", teamID, "format", format, "plugins", plugins)
	if err := s.events.Publish(ctx, events.Event{
		Type:       events.TypeDocumentUploaded,
		TeamID:     teamID,
		ArtifactID: rec.ID,
		OccurredAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to publish upload event", "artifactID", rec.ID, "error", err)
	}
	return &Upload{Artifact: rec, Plugins: plugins}, nil
}
