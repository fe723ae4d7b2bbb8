package modelmap

import (
	"context"
	"fmt"
	"os"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

// Source fetches the raw model map document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	Format() Format
}

// FileSource reads the map from the local filesystem on every fetch.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("modelmap: read %s: %w", s.Path, err)
	}
	return data, nil
}

func (s FileSource) Format() Format { return FormatFor(s.Path) }

// BlobSource reads the map from the object store.
type BlobSource struct {
	Blob store.Blob
	Key  string
}

func (s BlobSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := s.Blob.Get(ctx, s.Key)
	if err != nil {
		return nil, fmt.Errorf("modelmap: fetch %s: %w", s.Key, err)
	}
	return data, nil
}

func (s BlobSource) Format() Format { return FormatFor(s.Key) }
