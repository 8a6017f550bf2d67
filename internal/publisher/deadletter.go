package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"
)

// DeadLetter is a message the broker would not take.
type DeadLetter struct {
	Topic    string          `json:"topic"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetterStore persists undeliverable messages and returns their location.
type DeadLetterStore interface {
	Put(ctx context.Context, letter DeadLetter) (string, error)
}

// BlobStore writes objects and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// BlobDeadLetters stores dead letters as JSON objects named by content hash,
// under prefix/topic/yyyy/mm/dd/.
type BlobDeadLetters struct {
	blobs  BlobStore
	hasher Hasher
	prefix string
}

// NewBlobDeadLetters builds a blob-backed DeadLetterStore.
func NewBlobDeadLetters(blobs BlobStore, hasher Hasher, prefix string) *BlobDeadLetters {
	if prefix == "" {
		prefix = "deadletters"
	}
	return &BlobDeadLetters{blobs: blobs, hasher: hasher, prefix: prefix}
}

// Put writes letter and returns its URI.
func (d *BlobDeadLetters) Put(ctx context.Context, letter DeadLetter) (string, error) {
	data, err := json.Marshal(letter)
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	digest, err := d.hasher.Hash(append([]byte(letter.Topic+"\x00"+letter.Key+"\x00"), letter.Value...))
	if err != nil {
		return "", fmt.Errorf("hash dead letter: %w", err)
	}
	name := path.Join(d.prefix, letter.Topic, letter.FailedAt.UTC().Format("2006/01/02"), digest+".json")
	uri, err := d.blobs.PutObject(ctx, name, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store dead letter: %w", err)
	}
	return uri, nil
}
