package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"creative-engine/internal/models"
)

const creativeColumns = `id, team_id, template_id, data_row_id, generation_batch_id, variable_values,
	storage_key, cdn_url, width, height, file_size_bytes, format, status, error_message,
	render_duration_ms, created_at`

// InsertCreative writes one append-only attempt record outside a batch
// transaction (the GenerateSingle path).
func (s *Store) InsertCreative(ctx context.Context, c models.GeneratedCreative) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := insertCreative(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertCreative(ctx context.Context, tx pgx.Tx, c models.GeneratedCreative) error {
	valuesJSON, err := json.Marshal(c.VariableValues)
	if err != nil {
		return fmt.Errorf("marshal variable values: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO generated_creatives (id, team_id, template_id, data_row_id, generation_batch_id,
			variable_values, storage_key, cdn_url, width, height, file_size_bytes, format, status,
			error_message, render_duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
	`, c.ID, c.TeamID, c.TemplateID, c.DataRowID, emptyToNil(c.BatchID), valuesJSON, c.StorageKey,
		c.CDNURL, c.Width, c.Height, c.FileSizeBytes, c.Format, c.Status, c.ErrorMessage, c.RenderDurationMs)
	if err != nil {
		return fmt.Errorf("insert creative: %w", err)
	}
	return nil
}

// ListCreatives pages through a batch's attempt records in creation order.
// Pages are 1-based.
func (s *Store) ListCreatives(ctx context.Context, batchID string, page, limit int) ([]models.GeneratedCreative, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+creativeColumns+`
		FROM generated_creatives
		WHERE generation_batch_id = $1
		ORDER BY created_at, id
		OFFSET $2 LIMIT $3
	`, batchID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list creatives: %w", err)
	}
	defer rows.Close()

	out := []models.GeneratedCreative{}
	for rows.Next() {
		c, err := scanCreative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCreative fetches one attempt record by id.
func (s *Store) GetCreative(ctx context.Context, id string) (models.GeneratedCreative, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+creativeColumns+` FROM generated_creatives WHERE id = $1`, id)
	c, err := scanCreative(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GeneratedCreative{}, fmt.Errorf("creative %s: %w", id, ErrNotFound)
	}
	return c, err
}

func scanCreative(row pgx.Row) (models.GeneratedCreative, error) {
	var c models.GeneratedCreative
	var valuesJSON []byte
	var batchID *string

	err := row.Scan(&c.ID, &c.TeamID, &c.TemplateID, &c.DataRowID, &batchID, &valuesJSON,
		&c.StorageKey, &c.CDNURL, &c.Width, &c.Height, &c.FileSizeBytes, &c.Format, &c.Status,
		&c.ErrorMessage, &c.RenderDurationMs, &c.CreatedAt)
	if err != nil {
		return models.GeneratedCreative{}, err
	}
	if batchID != nil {
		c.BatchID = *batchID
	}
	if len(valuesJSON) > 0 {
		if err := json.Unmarshal(valuesJSON, &c.VariableValues); err != nil {
			return models.GeneratedCreative{}, fmt.Errorf("unmarshal variable values: %w", err)
		}
	}
	return c, nil
}
