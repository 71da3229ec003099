package asset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/publishing-worker/internal/domain"
)

type fakeLookup struct {
	assets map[int64]domain.Asset
}

func (l fakeLookup) Asset(_ context.Context, id int64) (domain.Asset, error) {
	a, ok := l.assets[id]
	if !ok {
		return domain.Asset{}, domain.ErrAssetNotFound
	}
	return a, nil
}

type fakeFetcher struct {
	data  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ domain.Asset, w io.Writer) error {
	f.calls++
	if len(f.data) > 0 {
		if _, err := w.Write(f.data); err != nil {
			return err
		}
	}
	return f.err
}

func newTestMaterializer(t *testing.T, fetcher Fetcher) (*Materializer, string) {
	t.Helper()
	root := t.TempDir()
	lookup := fakeLookup{assets: map[int64]domain.Asset{
		5: {ID: 5, OriginalName: "clip.mp4", StorageType: domain.StorageRDSBlob},
		6: {ID: 6, OriginalName: "../../etc/passwd", StorageType: domain.StorageRDSBlob},
		7: {ID: 7, OriginalName: "x.mp4", StorageType: "GDRIVE"},
	}}
	m := NewMaterializer(root, lookup, map[string]Fetcher{domain.StorageRDSBlob: fetcher},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, root
}

func TestMaterialize_FetchesOnceAndReuses(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("video-bytes")}
	m, root := newTestMaterializer(t, fetcher)
	ctx := context.Background()

	path, err := m.Materialize(ctx, 42, 5)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "42", "clip.mp4"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	info, err := os.Stat(filepath.Join(root, "42"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	again, err := m.Materialize(ctx, 42, 5)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, 1, fetcher.calls)
}

func TestMaterialize_PartialFileRemovedOnError(t *testing.T) {
	fetcher := &fakeFetcher{data: []byte("half"), err: errors.New("connection reset")}
	m, root := newTestMaterializer(t, fetcher)

	_, err := m.Materialize(context.Background(), 1, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaterialization))

	_, statErr := os.Stat(filepath.Join(root, "1", "clip.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMaterialize_EmptyResultFails(t *testing.T) {
	m, root := newTestMaterializer(t, &fakeFetcher{})

	_, err := m.Materialize(context.Background(), 1, 5)
	assert.True(t, errors.Is(err, ErrMaterialization))
	_, statErr := os.Stat(filepath.Join(root, "1", "clip.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMaterialize_Errors(t *testing.T) {
	m, _ := newTestMaterializer(t, &fakeFetcher{data: []byte("x")})
	ctx := context.Background()

	_, err := m.Materialize(ctx, 1, 99)
	assert.True(t, errors.Is(err, ErrMaterialization))
	assert.True(t, errors.Is(err, domain.ErrAssetNotFound))

	_, err = m.Materialize(ctx, 1, 7)
	assert.True(t, errors.Is(err, ErrMaterialization))
	assert.Contains(t, err.Error(), "unsupported storage type")
}

func TestMaterialize_SanitizesName(t *testing.T) {
	m, root := newTestMaterializer(t, &fakeFetcher{data: []byte("x")})

	path, err := m.Materialize(context.Background(), 3, 6)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "3", "passwd"), path)
}

func TestScope_CleansUpOnFailureAndPanic(t *testing.T) {
	m, root := newTestMaterializer(t, &fakeFetcher{data: []byte("x")})
	ctx := context.Background()

	err := m.Scope(9, func() error {
		_, err := m.Materialize(ctx, 9, 5)
		require.NoError(t, err)
		return errors.New("publisher raised")
	})
	assert.EqualError(t, err, "publisher raised")
	_, statErr := os.Stat(filepath.Join(root, "9"))
	assert.True(t, os.IsNotExist(statErr))

	assert.Panics(t, func() {
		_ = m.Scope(10, func() error {
			_, _ = m.Materialize(ctx, 10, 5)
			panic("boom")
		})
	})
	_, statErr = os.Stat(filepath.Join(root, "10"))
	assert.True(t, os.IsNotExist(statErr))

	assert.NoError(t, m.Cleanup(404), "cleaning a missing dir is fine")
}

type fakeS3 struct {
	input *s3.GetObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.input = in
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("s3-bytes")))}, nil
}

func TestS3Fetcher(t *testing.T) {
	client := &fakeS3{}
	f := NewS3Fetcher(client, "media")

	var buf bytes.Buffer
	err := f.Fetch(context.Background(), domain.Asset{ID: 1, StorageKey: "videos/a.mp4"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, "s3-bytes", buf.String())
	assert.Equal(t, "media", *client.input.Bucket)
	assert.Equal(t, "videos/a.mp4", *client.input.Key)

	err = NewS3Fetcher(client, "").Fetch(context.Background(), domain.Asset{ID: 2}, &buf)
	assert.Error(t, err)
}

type blobs map[int64][]byte

func (b blobs) AssetBlob(_ context.Context, id int64) ([]byte, error) {
	return b[id], nil
}

func TestDefaultFetchers(t *testing.T) {
	fetchers := DefaultFetchers(nil, blobs{1: []byte("blob")})
	_, hasS3 := fetchers[domain.StorageS3]
	assert.False(t, hasS3)

	var buf bytes.Buffer
	require.NoError(t, fetchers[domain.StorageRDSBlob].Fetch(context.Background(), domain.Asset{ID: 1}, &buf))
	assert.Equal(t, "blob", buf.String())

	src := filepath.Join(t.TempDir(), "local.mp4")
	require.NoError(t, os.WriteFile(src, []byte("local"), 0o600))
	buf.Reset()
	require.NoError(t, fetchers[domain.StorageLocal].Fetch(context.Background(), domain.Asset{StorageKey: src}, &buf))
	assert.Equal(t, "local", buf.String())
}
