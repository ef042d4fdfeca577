package schema

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// cachedDocument is the persisted snapshot envelope.
type cachedDocument struct {
	Version  int64    `msgpack:"version"`
	SavedAt  int64    `msgpack:"saved_at"`
	Document Document `msgpack:"document"`

	size int64
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func encodeDocument(doc cachedDocument) ([]byte, error) {
	raw, err := msgpack.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode catalog snapshot: %w", err)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

func decodeDocument(compressed []byte) (cachedDocument, error) {
	if len(compressed) == 0 {
		return cachedDocument{}, fmt.Errorf("empty catalog snapshot")
	}
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return cachedDocument{}, fmt.Errorf("decompress catalog snapshot: %w", err)
	}
	var doc cachedDocument
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return cachedDocument{}, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	return doc, nil
}
