package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

// memBlob is an in-memory BlobWriter and BlobReader.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func TestArchivePath(t *testing.T) {
	cutoff := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "archive/trades/2025-01-31/1738281600.jsonl", ArchivePath(cutoff, 0))
	assert.Equal(t, "archive/trades/2025-01-31/1738281600-2.jsonl", ArchivePath(cutoff, 2))
}

func TestArchiveTrades_RoundTrip(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, blob)
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	trades := []domain.CanonicalTrade{
		{Trader: "0xabc", Side: domain.SideBuy, AssetID: "1", Amount: decimal.NewFromInt(10), Price: decimal.RequireFromString("0.5"), BlockNumber: 5, LogIndex: 1},
		{Trader: "0xdef", Side: domain.SideSell, AssetID: "2", Amount: decimal.NewFromInt(3), Price: decimal.RequireFromString("0.25"), BlockNumber: 6},
	}

	path, err := a.ArchiveTrades(ctx, cutoff, 0, trades)
	require.NoError(t, err)
	assert.Equal(t, ArchivePath(cutoff, 0), path)

	listed, err := blob.List(ctx, "archive/trades/2025-03-01/")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	got, err := ReadArchive(ctx, blob, path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0xdef", got[1].Trader)
	assert.True(t, got[0].Price.Equal(decimal.RequireFromString("0.5")))
}

func TestListArchives(t *testing.T) {
	blob := newMemBlob()
	a := NewArchiver(blob, blob)
	ctx := context.Background()
	cutoff := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	trades := []domain.CanonicalTrade{{Trader: "0xabc"}}

	for part := 2; part >= 0; part-- {
		_, err := a.ArchiveTrades(ctx, cutoff, part, trades)
		require.NoError(t, err)
	}
	_, err := a.ArchiveTrades(ctx, cutoff.Add(24*time.Hour), 0, trades)
	require.NoError(t, err)

	infos, err := a.ListArchives(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, ArchivePath(cutoff, 0), infos[0].Path)
	assert.Equal(t, ArchivePath(cutoff, 2), infos[2].Path)

	_, err = NewArchiver(blob, nil).ListArchives(ctx, cutoff)
	assert.Error(t, err)
}

func TestMissing(t *testing.T) {
	assert.True(t, missing(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.True(t, missing(fmt.Errorf("head: %w", &smithy.GenericAPIError{Code: "NotFound"})))
	notFound := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
		Err:      errors.New("not found"),
	}
	assert.True(t, missing(notFound))
	assert.False(t, missing(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, missing(errors.New("connection reset")))

	r := &Reader{bucket: "archive"}
	err := r.wrap("get", "a/b.jsonl", notFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "s3://archive/a/b.jsonl")
}

func TestArchiveTrades_Empty(t *testing.T) {
	blob := newMemBlob()
	path, err := NewArchiver(blob, nil).ArchiveTrades(context.Background(), time.Now(), 0, nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Empty(t, blob.objects)
}

func TestArchiveTrades_UploadError(t *testing.T) {
	blob := newMemBlob()
	blob.putErr = errors.New("boom")
	_, err := NewArchiver(blob, blob).ArchiveTrades(context.Background(), time.Now(), 0,
		[]domain.CanonicalTrade{{Trader: "0xabc"}})
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("s3.example.com", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("http://minio:9000", true))
}
