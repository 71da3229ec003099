// Package asset downloads media into job-scoped directories right before
// upload and removes them when the job is done.
package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuongbtq/publishing-worker/internal/domain"
	"github.com/cuongbtq/publishing-worker/internal/metrics"
)

// ErrMaterialization is matched by every MaterializationError.
var ErrMaterialization = errors.New("materialization failed")

// MaterializationError reports why an asset could not be placed on disk.
type MaterializationError struct {
	JobID   int64
	AssetID int64
	Err     error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("failed to materialize asset %d for job %d: %v", e.AssetID, e.JobID, e.Err)
}

func (e *MaterializationError) Unwrap() error {
	return e.Err
}

func (e *MaterializationError) Is(target error) bool {
	return target == ErrMaterialization
}

// Lookup resolves asset metadata.
type Lookup interface {
	Asset(ctx context.Context, id int64) (domain.Asset, error)
}

// Fetcher streams an asset's bytes from its backing store.
type Fetcher interface {
	Fetch(ctx context.Context, asset domain.Asset, w io.Writer) error
}

// Materializer places assets under <root>/<job id>/.
type Materializer struct {
	root     string
	lookup   Lookup
	fetchers map[string]Fetcher
	logger   *slog.Logger
}

// NewMaterializer creates a materializer. fetchers are keyed by storage type.
func NewMaterializer(root string, lookup Lookup, fetchers map[string]Fetcher, logger *slog.Logger) *Materializer {
	return &Materializer{
		root:     root,
		lookup:   lookup,
		fetchers: fetchers,
		logger:   logger,
	}
}

// JobDir returns the job-scoped directory.
func (m *Materializer) JobDir(jobID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(jobID, 10))
}

// Materialize returns a local path holding the asset. An existing non-empty
// file is reused without fetching again.
func (m *Materializer) Materialize(ctx context.Context, jobID, assetID int64) (string, error) {
	asset, err := m.lookup.Asset(ctx, assetID)
	if err != nil {
		return "", &MaterializationError{JobID: jobID, AssetID: assetID, Err: err}
	}

	dir := m.JobDir(jobID)
	dest := filepath.Join(dir, fileName(asset))

	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		m.logger.Debug("Asset already materialized", slog.Int64("job_id", jobID), slog.String("path", dest))
		return dest, nil
	}

	fetcher, ok := m.fetchers[asset.StorageType]
	if !ok {
		return "", &MaterializationError{JobID: jobID, AssetID: assetID,
			Err: fmt.Errorf("unsupported storage type %q", asset.StorageType)}
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", &MaterializationError{JobID: jobID, AssetID: assetID, Err: err}
	}

	size, err := m.fetchTo(ctx, fetcher, asset, dest)
	if err != nil {
		os.Remove(dest)
		return "", &MaterializationError{JobID: jobID, AssetID: assetID, Err: err}
	}

	metrics.AssetBytes.Add(float64(size))
	m.logger.Info("Asset materialized",
		slog.Int64("job_id", jobID),
		slog.Int64("asset_id", assetID),
		slog.String("storage_type", asset.StorageType),
		slog.Int64("bytes", size),
	)
	return dest, nil
}

func (m *Materializer) fetchTo(ctx context.Context, fetcher Fetcher, asset domain.Asset, dest string) (int64, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: f}
	fetchErr := fetcher.Fetch(ctx, asset, cw)
	closeErr := f.Close()
	if fetchErr != nil {
		return 0, fetchErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	if cw.n == 0 {
		return 0, errors.New("fetched file is empty")
	}
	return cw.n, nil
}

// Cleanup removes the job directory and everything under it.
func (m *Materializer) Cleanup(jobID int64) error {
	if err := os.RemoveAll(m.JobDir(jobID)); err != nil {
		return fmt.Errorf("failed to clean up job %d assets: %w", jobID, err)
	}
	return nil
}

// Scope runs fn and always cleans up the job directory afterwards, including on panic.
func (m *Materializer) Scope(jobID int64, fn func() error) (err error) {
	defer func() {
		if cerr := m.Cleanup(jobID); cerr != nil {
			m.logger.Warn("Asset cleanup failed", slog.Int64("job_id", jobID), slog.Any("error", cerr))
		}
	}()
	return fn()
}

func fileName(a domain.Asset) string {
	name := filepath.Base(strings.ReplaceAll(a.OriginalName, "\\", "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		return "asset-" + strconv.FormatInt(a.ID, 10)
	}
	return name
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
