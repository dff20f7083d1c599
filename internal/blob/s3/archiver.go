package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	// multipartThreshold switches uploads to the transfer manager.
	multipartThreshold = 64 * 1024 * 1024
)

// Archiver implements domain.TradeArchiver by writing one JSONL object per
// sweep. The reader is optional; when set, an upload is confirmed with
// HeadObject and an archive that already exists is not rewritten.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewArchiver creates an Archiver. reader may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader}
}

// ArchivePath is the object key for one part of a sweep with the given
// cutoff. Part 0 has no suffix:
//
//	archive/trades/2025-01-31/1738281600.jsonl
//	archive/trades/2025-01-31/1738281600-1.jsonl
func ArchivePath(cutoff time.Time, part int) string {
	c := cutoff.UTC()
	if part > 0 {
		return fmt.Sprintf("%s%d-%d.jsonl", ArchivePrefix(c), c.Unix(), part)
	}
	return fmt.Sprintf("%s%d.jsonl", ArchivePrefix(c), c.Unix())
}

// ArchivePrefix is the key prefix holding every part archived on day.
func ArchivePrefix(day time.Time) string {
	return "archive/trades/" + day.UTC().Format("2006-01-02") + "/"
}

// ListArchives returns the parts written by sweeps whose cutoff fell on day,
// in key order. It needs the reader.
func (a *Archiver) ListArchives(ctx context.Context, day time.Time) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, errors.New("s3blob: archiver has no reader")
	}
	infos, err := a.reader.List(ctx, ArchivePrefix(day))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives %s: %w", day.UTC().Format("2006-01-02"), err)
	}
	return infos, nil
}

// ArchiveTrades uploads one part of a sweep and returns the object path. No
// object is written for an empty slice.
func (a *Archiver) ArchiveTrades(ctx context.Context, cutoff time.Time, part int, trades []domain.CanonicalTrade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}
	path := ArchivePath(cutoff, part)

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), 0)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	if a.reader != nil {
		ok, err := a.reader.Exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive trades verify: %w", err)
		}
		if !ok {
			return "", fmt.Errorf("s3blob: archive trades verify %s: %w", path, domain.ErrNotFound)
		}
	}
	return path, nil
}

// ReadArchive decodes an archive written by ArchiveTrades.
func ReadArchive(ctx context.Context, r domain.BlobReader, path string) ([]domain.CanonicalTrade, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.CanonicalTrade
	dec := json.NewDecoder(body)
	for {
		var t domain.CanonicalTrade
		if err := dec.Decode(&t); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("s3blob: decode archive %s record %d: %w", path, len(out), err)
		}
		out = append(out, t)
	}
}

// marshalJSONL encodes one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.TradeArchiver = (*Archiver)(nil)
