package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trackdock/syncbridge/internal/event"
)

type pgMappingStore struct {
	pool *pgxpool.Pool
}

// NewMappingStore creates a Postgres-backed MappingStore.
func NewMappingStore(pool *pgxpool.Pool) MappingStore {
	return &pgMappingStore{pool: pool}
}

const mappingColumns = `
	canonical_entity_id, entity_kind, tracker_external_id, document_external_id,
	last_synced_at, last_source_of_truth, created_at, updated_at`

func scanMapping(row pgx.Row) (*Mapping, error) {
	var m Mapping
	var lastSource *string
	err := row.Scan(
		&m.CanonicalEntityID, &m.EntityKind, &m.TrackerExternalID, &m.DocumentExternalID,
		&m.LastSyncedAt, &lastSource, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("scan mapping: %w", err)
	}
	if lastSource != nil {
		m.LastSourceOfTruth = event.SourcePlatform(*lastSource)
	}
	return &m, nil
}

func (s *pgMappingStore) ResolveByExternalID(ctx context.Context, platform event.SourcePlatform, externalID string) (*Mapping, error) {
	column := "tracker_external_id"
	if platform == event.PlatformDocument {
		column = "document_external_id"
	}
	// column is one of two fixed identifiers, not user input
	query := fmt.Sprintf(`SELECT %s FROM sync_mappings WHERE %s = $1`, mappingColumns, column)
	return scanMapping(s.pool.QueryRow(ctx, query, externalID))
}

func (s *pgMappingStore) Get(ctx context.Context, canonicalEntityID uuid.UUID) (*Mapping, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_mappings WHERE canonical_entity_id = $1`, mappingColumns)
	return scanMapping(s.pool.QueryRow(ctx, query, canonicalEntityID))
}

func (s *pgMappingStore) Create(ctx context.Context, m *Mapping) error {
	if m.TrackerExternalID == nil && m.DocumentExternalID == nil {
		return fmt.Errorf("mapping must carry the originating platform's external id")
	}
	var lastSource *string
	if m.LastSourceOfTruth != "" {
		v := string(m.LastSourceOfTruth)
		lastSource = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_mappings
			(canonical_entity_id, entity_kind, tracker_external_id, document_external_id,
			 last_synced_at, last_source_of_truth)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.CanonicalEntityID, m.EntityKind, m.TrackerExternalID, m.DocumentExternalID,
		m.LastSyncedAt, lastSource,
	)
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

func (s *pgMappingStore) SetCounterpartID(ctx context.Context, canonicalEntityID uuid.UUID, platform event.SourcePlatform, externalID string) error {
	column := "tracker_external_id"
	if platform == event.PlatformDocument {
		column = "document_external_id"
	}
	// Only fill a null slot: external ids, once set, never change.
	query := fmt.Sprintf(`
		UPDATE sync_mappings
		SET %s = $2, updated_at = now()
		WHERE canonical_entity_id = $1 AND (%s IS NULL OR %s = $2)`,
		column, column, column)

	tag, err := s.pool.Exec(ctx, query, canonicalEntityID, externalID)
	if err != nil {
		return fmt.Errorf("set counterpart external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mapping %s: %s already set to a different value", canonicalEntityID, column)
	}
	return nil
}

func (s *pgMappingStore) MarkSynced(ctx context.Context, canonicalEntityID uuid.UUID, source event.SourcePlatform, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_mappings
		SET last_synced_at = $2, last_source_of_truth = $3, updated_at = now()
		WHERE canonical_entity_id = $1`,
		canonicalEntityID, at, string(source),
	)
	if err != nil {
		return fmt.Errorf("mark mapping synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}
