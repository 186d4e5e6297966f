package chunkstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/sitescore/auditor/internal/audit"
)

// GCSConfig captures the parameters for the Cloud Storage chunk store.
type GCSConfig struct {
	Bucket  string
	Prefix  string
	AuditID string
}

// GCS stores chunks as gzip-compressed JSON objects under
// gs://<bucket>/<prefix>/<auditID>/<key>.json.gz.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a Cloud Storage backed chunk store.
func NewGCS(client *storage.Client, cfg GCSConfig) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.AuditID) == "" {
		return nil, fmt.Errorf("audit id is required")
	}
	return &GCS{
		client: client,
		bucket: cfg.Bucket,
		prefix: path.Join(strings.Trim(cfg.Prefix, "/"), cfg.AuditID),
	}, nil
}

// Put compresses and uploads one chunk.
func (s *GCS) Put(ctx context.Context, key string, chunk audit.PageChunk) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("invalid chunk key %q", key)
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("compress chunk: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush gzip stream: %w", err)
	}

	writer := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	writer.ContentType = "application/gzip"
	if _, err := io.Copy(writer, &buf); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("upload chunk: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("upload chunk: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Get downloads and decompresses one chunk.
func (s *GCS) Get(ctx context.Context, key string) (audit.PageChunk, error) {
	if !validKey.MatchString(key) {
		return audit.PageChunk{}, fmt.Errorf("invalid chunk key %q", key)
	}
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return audit.PageChunk{}, fmt.Errorf("chunk %s: %w", key, ErrNotFound)
		}
		return audit.PageChunk{}, fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()

	zr, err := gzip.NewReader(reader)
	if err != nil {
		return audit.PageChunk{}, fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var chunk audit.PageChunk
	if err := json.NewDecoder(zr).Decode(&chunk); err != nil {
		return audit.PageChunk{}, fmt.Errorf("decode chunk: %w", err)
	}
	return chunk, nil
}

// Keys lists all chunk keys stored for this audit, sorted.
func (s *GCS) Keys(ctx context.Context) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + "/"})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		name := path.Base(attrs.Name)
		if !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		key := strings.TrimSuffix(name, chunkSuffix)
		if validKey.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *GCS) objectName(key string) string {
	return path.Join(s.prefix, key+chunkSuffix)
}
