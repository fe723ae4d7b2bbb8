package audit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/canonical"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

// Ref points at a persisted attachment.
type Ref struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Key      string `json:"key"`
	SHA256   string `json:"sha256"`
	Size     int    `json:"size"`
}

// PersistAttachment stores the attachment payload under
// attachments/<sha256>. Identical payloads share one object. Data that is
// not valid base64 is stored as received.
func PersistAttachment(ctx context.Context, blob store.Blob, a canonical.Attachment) (Ref, error) {
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		data = []byte(a.Data)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	ref := Ref{
		Name:     a.Name,
		MimeType: a.MimeType,
		Key:      "attachments/" + hash,
		SHA256:   hash,
		Size:     len(data),
	}

	if err := blob.PutOnce(ctx, ref.Key, data); err != nil && !errors.Is(err, store.ErrExists) {
		return Ref{}, fmt.Errorf("audit: persist attachment %q: %w", a.Name, err)
	}
	return ref, nil
}
