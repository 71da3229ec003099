package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// Asset loads asset metadata.
func (s *Storage) Asset(ctx context.Context, assetID int64) (domain.Asset, error) {
	var row assetRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, original_name, storage_type, storage_key, s3_bucket, s3_key,
			mime_type, size_bytes, checksum
		FROM assets WHERE id = $1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	if err != nil {
		return domain.Asset{}, fmt.Errorf("failed to get asset: %w", err)
	}
	return row.toDomain(), nil
}

// AssetBlob returns the bytes of an RDS_BLOB asset.
func (s *Storage) AssetBlob(ctx context.Context, assetID int64) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT blob_data FROM assets WHERE id = $1`, assetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAssetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset blob: %w", err)
	}
	return data, nil
}
