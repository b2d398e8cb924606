// Package storage provides artifact metadata and bytes to the assessment
// engine. Metadata lives in the relational database; bytes live in a blob
// store (S3 in production, a directory for local runs).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/sbom"
)

// ErrArtifactNotFound is returned when an artifact row or its bytes are
// missing.
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is an SBOM document ready for analysis.
type Artifact struct {
	ID     string
	TeamID string
	Format sbom.Format
	Data   []byte
}

// ArtifactSource fetches artifact bytes and metadata.
type ArtifactSource interface {
	FetchArtifact(ctx context.Context, id string) (*Artifact, error)
}

// ArtifactLister lists the artifact ids of a team.
type ArtifactLister interface {
	ListTeamArtifacts(ctx context.Context, teamID string) ([]string, error)
}

// BlobStore stores artifact bytes by object key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// ArtifactRecord is the GORM model of an uploaded artifact.
type ArtifactRecord struct {
	ID        string      `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	TeamID    string      `gorm:"column:team_id;index:idx_artifact_team_created,priority:1;not null" json:"team_id"`
	Name      string      `gorm:"column:name" json:"name"`
	Format    sbom.Format `gorm:"column:format" json:"format"`
	ObjectKey string      `gorm:"column:object_key;not null" json:"object_key"`
	SizeBytes int64       `gorm:"column:size_bytes" json:"size_bytes"`
	CreatedAt time.Time   `gorm:"column:created_at;index:idx_artifact_team_created,priority:2" json:"created_at"`
}

// TableName returns the GORM table name.
func (ArtifactRecord) TableName() string { return "artifacts" }

// BeforeCreate assigns an id.
func (a *ArtifactRecord) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Catalog is the artifact metadata store.
type Catalog struct {
	db *gorm.DB
}

// NewCatalog creates a Catalog.
func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Create inserts rec and runs afterInsert in the same transaction. This is
// the single place artifact creation fans out to assessment dispatch: the
// callback writes outbox rows that only become visible once the artifact
// itself is committed.
func (c *Catalog) Create(ctx context.Context, rec *ArtifactRecord, afterInsert func(tx *gorm.DB) error) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("create artifact: %w", err)
		}
		if afterInsert == nil {
			return nil
		}
		return afterInsert(tx)
	})
}

// Get returns the artifact row for id.
func (c *Catalog) Get(ctx context.Context, id string) (*ArtifactRecord, error) {
	var rec ArtifactRecord
	if err := c.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
		}
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &rec, nil
}

// ListTeamArtifacts returns the ids of teamID's artifacts, oldest first.
func (c *Catalog) ListTeamArtifacts(ctx context.Context, teamID string) ([]string, error) {
	var ids []string
	err := c.db.WithContext(ctx).Model(&ArtifactRecord{}).
		Where("team_id = ?", teamID).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list team artifacts: %w", err)
	}
	return ids, nil
}

// Store joins the metadata catalog with a blob store.
type Store struct {
	catalog *Catalog
	blobs   BlobStore
}

// NewStore creates a Store.
func NewStore(catalog *Catalog, blobs BlobStore) *Store {
	return &Store{catalog: catalog, blobs: blobs}
}

// Catalog returns the metadata catalog.
func (s *Store) Catalog() *Catalog { return s.catalog }

// FetchArtifact implements ArtifactSource.
func (s *Store) FetchArtifact(ctx context.Context, id string) (*Artifact, error) {
	rec, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, rec.ObjectKey)
	if err != nil {
		return nil, err
	}
	return &Artifact{ID: rec.ID, TeamID: rec.TeamID, Format: rec.Format, Data: data}, nil
}

// ListTeamArtifacts implements ArtifactLister.
func (s *Store) ListTeamArtifacts(ctx context.Context, teamID string) ([]string, error) {
	return s.catalog.ListTeamArtifacts(ctx, teamID)
}

// Upload stores data and creates the artifact row. afterInsert runs inside
// the artifact transaction; see Catalog.Create.
func (s *Store) Upload(ctx context.Context, teamID, name string, format sbom.Format, data []byte,
	afterInsert func(tx *gorm.DB, rec *ArtifactRecord) error) (*ArtifactRecord, error) {
	rec := &ArtifactRecord{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Name:      name,
		Format:    format,
		SizeBytes: int64(len(data)),
	}
	rec.ObjectKey = fmt.Sprintf("sboms/%s/%s.json", teamID, rec.ID)

	if err := s.blobs.Put(ctx, rec.ObjectKey, data); err != nil {
		return nil, fmt.Errorf("store artifact bytes: %w", err)
	}

	var hook func(tx *gorm.DB) error
	if afterInsert != nil {
		hook = func(tx *gorm.DB) error { return afterInsert(tx, rec) }
	}
	if err := s.catalog.Create(ctx, rec, hook); err != nil {
		return nil, err
	}
	return rec, nil
}
