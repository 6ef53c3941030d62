// Package store is the durable state store (C1): three keyed tables
// backed by PostgreSQL, with conditional writes standing in for the
// condition-expression updates a keyed/document store would offer.
// Connection setup and upsert idiom are carried over from the teacher's
// database.go; the conditional-update and atomic-list-append operations
// are new, built to the contracts in SPEC_FULL.md §4.1.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mumuon/model-runner/internal/config"
	"github.com/mumuon/model-runner/internal/model"
)

// Store wraps the Postgres connection pool backing C1.
type Store struct {
	conn   *sql.DB
	tables config.TableConfig
}

// Open connects to Postgres and configures the pool the same way the
// teacher's NewDatabase does: a short-lived ping to fail fast, then a
// modest pool sized for a worker process rather than a web server.
func Open(ctx context.Context, cfg config.DatabaseConfig, tables config.TableConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	slog.Info("state store connected", "host", cfg.Host, "db", cfg.DBName)

	return &Store{conn: db, tables: tables}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// StartImage inserts the image record only if one doesn't already exist
// for imageID, matching start_image's idempotency contract: exactly one
// concurrent caller wins. started reports whether THIS call created the
// row.
func (s *Store) StartImage(ctx context.Context, item *model.ImageRequestItem) (started bool, err error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (image_id, job_id, image_url, start_time, model_name, invoke_mode,
			tile_width, tile_height, overlap_width, overlap_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (image_id) DO NOTHING
		RETURNING image_id
	`, s.tables.ImageRequest)

	var returned string
	err = s.conn.QueryRowContext(ctx, query,
		item.ImageID, item.JobID, item.ImageURL, item.StartTime,
		item.ModelName, string(item.InvokeMode),
		item.TileSize.Width, item.TileSize.Height,
		item.TileOverlap.Width, item.TileOverlap.Height,
	).Scan(&returned)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("start_image %s: %w", item.ImageID, err)
	}
	return true, nil
}

// SetRegionCount records how many regions an image was partitioned into,
// once known (after C6 computes the region partition).
func (s *Store) SetRegionCount(ctx context.Context, imageID string, count int) error {
	query := fmt.Sprintf(`UPDATE %s SET region_count = $2 WHERE image_id = $1`, s.tables.ImageRequest)
	_, err := s.conn.ExecContext(ctx, query, imageID, count)
	if err != nil {
		return fmt.Errorf("set_region_count %s: %w", imageID, err)
	}
	return nil
}

// CompleteRegion conditionally increments region_success or region_error
// on the image record, enforcing region_success+region_error <= region_count
// via the WHERE clause so a duplicate delivery can never overcount.
func (s *Store) CompleteRegion(ctx context.Context, imageID string, failed bool) error {
	column := "region_success"
	if failed {
		column = "region_error"
	}
	query := fmt.Sprintf(`
		UPDATE %s SET %s = %s + 1
		WHERE image_id = $1 AND region_success + region_error < region_count
	`, s.tables.ImageRequest, column, column)

	res, err := s.conn.ExecContext(ctx, query, imageID)
	if err != nil {
		return fmt.Errorf("complete_region %s: %w", imageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("complete_region affected no rows; already complete or unknown image", "image_id", imageID)
	}
	return nil
}

// EndImage sets end_time only if it is unset or earlier than the provided
// time (a later close replaces an earlier one), implementing the monotonic-close behavior decided in SPEC_FULL.md §9.
func (s *Store) EndImage(ctx context.Context, imageID string, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET end_time = $2
		WHERE image_id = $1 AND (end_time IS NULL OR end_time < $2)
	`, s.tables.ImageRequest)
	_, err := s.conn.ExecContext(ctx, query, imageID, at)
	if err != nil {
		return fmt.Errorf("end_image %s: %w", imageID, err)
	}
	return nil
}

// GetImage reads the current image record.
func (s *Store) GetImage(ctx context.Context, imageID string) (*model.ImageRequestItem, error) {
	query := fmt.Sprintf(`
		SELECT image_id, job_id, image_url, start_time, end_time, region_count,
			region_success, region_error, tile_width, tile_height, overlap_width,
			overlap_height, model_name, invoke_mode
		FROM %s WHERE image_id = $1
	`, s.tables.ImageRequest)

	var item model.ImageRequestItem
	var endTime sql.NullTime
	var invokeMode string
	err := s.conn.QueryRowContext(ctx, query, imageID).Scan(
		&item.ImageID, &item.JobID, &item.ImageURL, &item.StartTime, &endTime,
		&item.RegionCount, &item.RegionSuccess, &item.RegionError,
		&item.TileSize.Width, &item.TileSize.Height,
		&item.TileOverlap.Width, &item.TileOverlap.Height,
		&item.ModelName, &invokeMode,
	)
	if err != nil {
		return nil, fmt.Errorf("get_image %s: %w", imageID, err)
	}
	if endTime.Valid {
		item.EndTime = &endTime.Time
	}
	item.InvokeMode = model.InvokeMode(invokeMode)
	return &item, nil
}

// IsImageComplete reports whether every region of imageID has terminated.
func (s *Store) IsImageComplete(ctx context.Context, imageID string) (bool, error) {
	item, err := s.GetImage(ctx, imageID)
	if err != nil {
		return false, err
	}
	return item.IsComplete(), nil
}

// StartRegion inserts the region record (total tile count known upfront),
// ignoring a duplicate insert the same way StartImage does. It persists
// enough of the original dispatch message (image URL, tile geometry,
// model name) that the reaper can rebuild and requeue it later without
// consulting the image record.
func (s *Store) StartRegion(ctx context.Context, item *model.RegionRequestItem) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (region_id, image_id, job_id, start_time, ul_row, ul_col, width, height,
			image_url, image_read_role, tile_width, tile_height, overlap_width, overlap_height,
			format, compression, model_name, invoke_mode, assumed_role, total_tiles)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (region_id) DO NOTHING
	`, s.tables.RegionRequest)
	_, err := s.conn.ExecContext(ctx, query,
		item.RegionID, item.ImageID, item.JobID, item.StartTime,
		item.Bounds.ULRow, item.Bounds.ULCol, item.Bounds.Width, item.Bounds.Height,
		item.ImageURL, item.ImageReadRole,
		item.TileSize.Width, item.TileSize.Height, item.TileOverlap.Width, item.TileOverlap.Height,
		string(item.Format), string(item.Compression),
		item.ModelName, string(item.InvokeMode), item.AssumedRole,
		item.TotalTiles,
	)
	if err != nil {
		return fmt.Errorf("start_region %s: %w", item.RegionID, err)
	}
	return nil
}

// CompleteTile atomically appends tileID to the region's succeeded or
// failed list, guarded so a tile can land in a list at most once — the
// Postgres analogue of an atomic list-append condition expression.
func (s *Store) CompleteTile(ctx context.Context, regionID, tileID string, failed bool) error {
	column := "succeeded_tiles"
	if failed {
		column = "failed_tiles"
	}
	query := fmt.Sprintf(`
		UPDATE %s SET %s = array_append(%s, $2)
		WHERE region_id = $1
			AND NOT ($2 = ANY(succeeded_tiles))
			AND NOT ($2 = ANY(failed_tiles))
	`, s.tables.RegionRequest, column, column)

	res, err := s.conn.ExecContext(ctx, query, regionID, tileID)
	if err != nil {
		return fmt.Errorf("complete_tile %s/%s: %w", regionID, tileID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("complete_tile affected no rows; already recorded", "region_id", regionID, "tile_id", tileID)
	}
	return nil
}

const regionColumns = `region_id, image_id, job_id, start_time, ul_row, ul_col, width, height,
	image_url, image_read_role, tile_width, tile_height, overlap_width, overlap_height,
	format, compression, model_name, invoke_mode, assumed_role, total_tiles,
	succeeded_tiles, failed_tiles`

func scanRegion(row *sql.Row) (*model.RegionRequestItem, error) {
	var item model.RegionRequestItem
	var format, compression, invokeMode string
	var succeeded, failedTiles pq.StringArray
	err := row.Scan(
		&item.RegionID, &item.ImageID, &item.JobID, &item.StartTime,
		&item.Bounds.ULRow, &item.Bounds.ULCol, &item.Bounds.Width, &item.Bounds.Height,
		&item.ImageURL, &item.ImageReadRole,
		&item.TileSize.Width, &item.TileSize.Height, &item.TileOverlap.Width, &item.TileOverlap.Height,
		&format, &compression, &item.ModelName, &invokeMode, &item.AssumedRole,
		&item.TotalTiles, &succeeded, &failedTiles,
	)
	if err != nil {
		return nil, err
	}
	item.Format = model.TileFormat(format)
	item.Compression = model.TileCompression(compression)
	item.InvokeMode = model.InvokeMode(invokeMode)
	item.SucceededTiles = []string(succeeded)
	item.FailedTiles = []string(failedTiles)
	return &item, nil
}

// GetRegion reads the current region record.
func (s *Store) GetRegion(ctx context.Context, regionID string) (*model.RegionRequestItem, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE region_id = $1`, regionColumns, s.tables.RegionRequest)
	item, err := scanRegion(s.conn.QueryRowContext(ctx, query, regionID))
	if err != nil {
		return nil, fmt.Errorf("get_region %s: %w", regionID, err)
	}
	return item, nil
}

// GetStaleRegions returns every region started before cutoff whose tile
// grid is not yet fully accounted for (succeeded+failed < total) — the
// candidates the reaper (§4.7) treats as possibly abandoned by a worker
// that died mid-processing.
func (s *Store) GetStaleRegions(ctx context.Context, cutoff time.Time) ([]*model.RegionRequestItem, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE start_time < $1 AND cardinality(succeeded_tiles) + cardinality(failed_tiles) < total_tiles
	`, regionColumns, s.tables.RegionRequest)
	rows, err := s.conn.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get_stale_regions: %w", err)
	}
	defer rows.Close()

	var items []*model.RegionRequestItem
	for rows.Next() {
		var item model.RegionRequestItem
		var format, compression, invokeMode string
		var succeeded, failedTiles pq.StringArray
		if err := rows.Scan(
			&item.RegionID, &item.ImageID, &item.JobID, &item.StartTime,
			&item.Bounds.ULRow, &item.Bounds.ULCol, &item.Bounds.Width, &item.Bounds.Height,
			&item.ImageURL, &item.ImageReadRole,
			&item.TileSize.Width, &item.TileSize.Height, &item.TileOverlap.Width, &item.TileOverlap.Height,
			&format, &compression, &item.ModelName, &invokeMode, &item.AssumedRole,
			&item.TotalTiles, &succeeded, &failedTiles,
		); err != nil {
			slog.Error("failed to scan stale region row", "error", err)
			continue
		}
		item.Format = model.TileFormat(format)
		item.Compression = model.TileCompression(compression)
		item.InvokeMode = model.InvokeMode(invokeMode)
		item.SucceededTiles = []string(succeeded)
		item.FailedTiles = []string(failedTiles)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get_stale_regions: %w", err)
	}
	return items, nil
}

// UpsertEndpoint creates or updates an endpoint's capacity budget.
func (s *Store) UpsertEndpoint(ctx context.Context, name string, maxInProgress int) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (endpoint_name, max_in_progress, in_progress)
		VALUES ($1, $2, 0)
		ON CONFLICT (endpoint_name) DO UPDATE SET max_in_progress = EXCLUDED.max_in_progress
	`, s.tables.Endpoint)
	_, err := s.conn.ExecContext(ctx, query, name, maxInProgress)
	if err != nil {
		return fmt.Errorf("upsert_endpoint %s: %w", name, err)
	}
	return nil
}

// TryAcquireEndpoint conditionally increments in_progress by n iff doing
// so would not exceed max_in_progress.
func (s *Store) TryAcquireEndpoint(ctx context.Context, name string, n int) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET in_progress = in_progress + $2
		WHERE endpoint_name = $1 AND in_progress + $2 <= max_in_progress
	`, s.tables.Endpoint)
	res, err := s.conn.ExecContext(ctx, query, name, n)
	if err != nil {
		return false, fmt.Errorf("try_acquire_endpoint %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("try_acquire_endpoint %s: %w", name, err)
	}
	return affected > 0, nil
}

// ReleaseEndpoint decrements in_progress by n, floored at 0.
func (s *Store) ReleaseEndpoint(ctx context.Context, name string, n int) error {
	query := fmt.Sprintf(`
		UPDATE %s SET in_progress = GREATEST(in_progress - $2, 0)
		WHERE endpoint_name = $1
	`, s.tables.Endpoint)
	_, err := s.conn.ExecContext(ctx, query, name, n)
	if err != nil {
		return fmt.Errorf("release_endpoint %s: %w", name, err)
	}
	return nil
}

// PutFeatures upserts a tile-bucket row, appending to any existing raw
// feature payload for that bucket. Each bucket holds one GeoJSON
// FeatureCollection (see aggregate.EncodeBucket); a later write's features
// are appended to the stored collection's features array. NMS runs over
// whatever accumulates in one bucket at read time (see internal/aggregate).
func (s *Store) PutFeatures(ctx context.Context, imageID, bucketKey string, encoded []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (image_id, bucket_key, features, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (image_id, bucket_key) DO UPDATE SET
			features = jsonb_set(%s.features, '{features}',
				(%s.features->'features') || (EXCLUDED.features->'features')),
			updated_at = NOW()
	`, s.tables.Feature, s.tables.Feature, s.tables.Feature)
	_, err := s.conn.ExecContext(ctx, query, imageID, bucketKey, encoded)
	if err != nil {
		return fmt.Errorf("put_features %s/%s: %w", imageID, bucketKey, err)
	}
	return nil
}

// GetAllFeatureBuckets pages over every bucket row stored for imageID,
// returning each bucket's raw (still-JSON) feature payload for the
// caller to decode and run NMS over.
func (s *Store) GetAllFeatureBuckets(ctx context.Context, imageID string) ([][]byte, error) {
	query := fmt.Sprintf(`SELECT features FROM %s WHERE image_id = $1`, s.tables.Feature)
	rows, err := s.conn.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("get_all_features %s: %w", imageID, err)
	}
	defer rows.Close()

	var buckets [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			slog.Error("failed to scan feature bucket row", "image_id", imageID, "error", err)
			continue
		}
		buckets = append(buckets, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get_all_features %s: %w", imageID, err)
	}
	return buckets, nil
}
