package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"luma/internal/model"
)

const (
	eventsKey = "events"
	seenKey   = "seen"

	// Bump when the persisted layout changes; older blobs are then treated
	// as corrupt and rebuilt.
	eventsVersion = 1
	seenVersion   = 1
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

type envelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

type eventsBlob struct {
	Events      []model.Event        `json:"events"`
	Refreshed   map[string]time.Time `json:"refreshed"`
	LastRefresh time.Time            `json:"last_refresh"`
}

type seenBlob struct {
	Keys        []string  `json:"keys"`
	DiscardedAt time.Time `json:"discarded_at,omitempty"`
}

func encode(version int, savedAt time.Time, v any, compress bool) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(envelope{Version: version, SavedAt: savedAt.UTC(), Data: data})
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	return encoder.EncodeAll(raw, nil), nil
}

// decode accepts both compressed and plain envelopes so toggling
// storage.compress does not invalidate an existing cache.
func decode(raw []byte, version int, v any) error {
	if bytes.HasPrefix(raw, zstdMagic) {
		plain, err := decoder.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		raw = plain
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.Version != version {
		return fmt.Errorf("version %d, want %d", env.Version, version)
	}
	if len(env.Data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(env.Data, v)
}
