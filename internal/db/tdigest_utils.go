package db

import (
	"bytes"

	"github.com/caio/go-tdigest/v4"
)

// SerializeTDigest serializes a t-digest to bytes for the rollups.tdigest_data
// column.
func SerializeTDigest(td *tdigest.TDigest) ([]byte, error) {
	return td.AsBytes()
}

// DeserializeTDigest rebuilds a t-digest from stored bytes.
func DeserializeTDigest(data []byte) (*tdigest.TDigest, error) {
	return tdigest.FromBytes(bytes.NewReader(data))
}
