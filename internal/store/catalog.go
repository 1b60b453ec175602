package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"creative-engine/internal/models"
)

// The template and data-row tables are owned by the external editor and
// ingestion services; this store only reads them.

// GetTemplate loads a template document by id and checks its structural
// invariants before handing it to the renderer.
func (s *Store) GetTemplate(ctx context.Context, id string) (*models.TemplateDocument, error) {
	var doc models.TemplateDocument
	var layersJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, team_id, name, width, height, layers FROM templates WHERE id = $1
	`, id).Scan(&doc.ID, &doc.TeamID, &doc.Name, &doc.Width, &doc.Height, &layersJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	if err := json.Unmarshal(layersJSON, &doc.Layers); err != nil {
		return nil, fmt.Errorf("unmarshal layers: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// CountRows returns the batch-relevant row count for a data source under an
// optional filter. A zero count is the caller's signal of an empty source.
func (s *Store) CountRows(ctx context.Context, dataSourceID string, filter *models.RowFilter) (int, error) {
	var n int
	var err error
	if filter == nil {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM data_rows WHERE data_source_id = $1
		`, dataSourceID).Scan(&n)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM data_rows WHERE data_source_id = $1 AND row_values->>$2 = $3
		`, dataSourceID, filter.Column, filter.Equals).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// ListRows pages through (optionally filtered) data rows in stable id order,
// so a batch enumerates each row exactly once.
func (s *Store) ListRows(ctx context.Context, dataSourceID string, filter *models.RowFilter, offset, limit int) ([]models.DataRow, error) {
	var rows pgx.Rows
	var err error
	if filter == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, data_source_id, row_values FROM data_rows
			WHERE data_source_id = $1 ORDER BY id OFFSET $2 LIMIT $3
		`, dataSourceID, offset, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, data_source_id, row_values FROM data_rows
			WHERE data_source_id = $1 AND row_values->>$2 = $3 ORDER BY id OFFSET $4 LIMIT $5
		`, dataSourceID, filter.Column, filter.Equals, offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var out []models.DataRow
	for rows.Next() {
		var r models.DataRow
		var valuesJSON []byte
		if err := rows.Scan(&r.ID, &r.DataSourceID, &valuesJSON); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if err := json.Unmarshal(valuesJSON, &r.Values); err != nil {
			return nil, fmt.Errorf("unmarshal row values: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRow fetches a single data row, used by GenerateSingle.
func (s *Store) GetRow(ctx context.Context, dataSourceID, rowID string) (models.DataRow, error) {
	var r models.DataRow
	var valuesJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, data_source_id, row_values FROM data_rows WHERE data_source_id = $1 AND id = $2
	`, dataSourceID, rowID).Scan(&r.ID, &r.DataSourceID, &valuesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DataRow{}, fmt.Errorf("row %s/%s: %w", dataSourceID, rowID, ErrNotFound)
	}
	if err != nil {
		return models.DataRow{}, fmt.Errorf("query row: %w", err)
	}
	if err := json.Unmarshal(valuesJSON, &r.Values); err != nil {
		return models.DataRow{}, fmt.Errorf("unmarshal row values: %w", err)
	}
	return r, nil
}
