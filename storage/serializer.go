package storage

import (
	"encoding/json"
	"errors"

	"github.com/huykn/offline-cache/types"
)

// Serializer defines the interface for serialization.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer implements Serializer using JSON.
type JSONSerializer struct{}

// Marshal serializes a value to JSON.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// GetSerializer returns a serializer for the given format.
func GetSerializer(format string) (Serializer, error) {
	switch format {
	case "json":
		return NewJSONSerializer(), nil
	default:
		return nil, errors.New("unsupported serialization format: " + format)
	}
}

// ErrCorruptEntry is returned when a stored entry cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// EncodeEntry serializes a cache entry for storage.
func EncodeEntry(s Serializer, entry types.CacheEntry) ([]byte, error) {
	return s.Marshal(entry)
}

// DecodeEntry deserializes a stored cache entry. An entry without a key is
// treated as corrupt.
func DecodeEntry(s Serializer, data []byte) (types.CacheEntry, error) {
	var entry types.CacheEntry
	if err := s.Unmarshal(data, &entry); err != nil {
		return types.CacheEntry{}, errors.Join(ErrCorruptEntry, err)
	}
	if entry.Key == "" {
		return types.CacheEntry{}, ErrCorruptEntry
	}
	return entry, nil
}
