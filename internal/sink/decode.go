package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
	"github.com/JakeFAU/gitcrawl/internal/queue"
	"github.com/JakeFAU/gitcrawl/internal/storage"
)

var errNoKey = errors.New("message has no document key")

// decodeDocument keys entity records by their id and relation batches by owner and page.
func decodeDocument(dest crawler.Destination, msg queue.Message) (storage.Document, error) {
	if !json.Valid(msg.Value) {
		return storage.Document{}, fmt.Errorf("invalid json body")
	}
	if dest.Relation {
		var batch crawler.RelationBatch
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			return storage.Document{}, fmt.Errorf("decode relation batch: %w", err)
		}
		if batch.OwnerID == 0 || batch.Page == 0 {
			return storage.Document{}, errNoKey
		}
		return storage.Document{Key: batch.DocumentKey(), Body: msg.Value}, nil
	}

	var head struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		return storage.Document{}, fmt.Errorf("decode record: %w", err)
	}
	switch {
	case head.ID != nil:
		return storage.Document{Key: strconv.FormatInt(*head.ID, 10), Body: msg.Value}, nil
	case len(msg.Key) > 0:
		return storage.Document{Key: string(msg.Key), Body: msg.Value}, nil
	default:
		return storage.Document{}, errNoKey
	}
}
