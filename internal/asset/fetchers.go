package asset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

// ObjectGetter is the part of the S3 client used for downloads.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads assets from object storage.
type S3Fetcher struct {
	client        ObjectGetter
	defaultBucket string
}

// NewS3Fetcher creates a fetcher; defaultBucket is used when an asset has none.
func NewS3Fetcher(client ObjectGetter, defaultBucket string) *S3Fetcher {
	return &S3Fetcher{client: client, defaultBucket: defaultBucket}
}

func (f *S3Fetcher) Fetch(ctx context.Context, a domain.Asset, w io.Writer) error {
	bucket := a.S3Bucket
	if bucket == "" {
		bucket = f.defaultBucket
	}
	key := a.S3Key
	if key == "" {
		key = a.StorageKey
	}
	if bucket == "" || key == "" {
		return fmt.Errorf("asset %d has no s3 location", a.ID)
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// BlobSource loads blob column contents.
type BlobSource interface {
	AssetBlob(ctx context.Context, assetID int64) ([]byte, error)
}

// BlobFetcher copies assets stored in a database blob column.
type BlobFetcher struct {
	source BlobSource
}

// NewBlobFetcher creates a database blob fetcher.
func NewBlobFetcher(source BlobSource) *BlobFetcher {
	return &BlobFetcher{source: source}
}

func (f *BlobFetcher) Fetch(ctx context.Context, a domain.Asset, w io.Writer) error {
	data, err := f.source.AssetBlob(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to load blob for asset %d: %w", a.ID, err)
	}
	_, err = io.Copy(w, bytes.NewReader(data))
	return err
}

// LocalFetcher copies assets whose storage key is a path on this host.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, a domain.Asset, w io.Writer) error {
	f, err := os.Open(a.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to open local asset: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// DefaultFetchers wires the fetchers for every storage type. s3 may be nil.
func DefaultFetchers(s3Fetcher *S3Fetcher, blobs BlobSource) map[string]Fetcher {
	out := map[string]Fetcher{
		domain.StorageRDSBlob: NewBlobFetcher(blobs),
		domain.StorageLocal:   LocalFetcher{},
	}
	if s3Fetcher != nil {
		out[domain.StorageS3] = s3Fetcher
	}
	return out
}
