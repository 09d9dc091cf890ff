// internal/store/store.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Storage is the persistent key-value backend behind GM values. Keys are opaque to the
// backend; callers namespace them as "{scriptID}:{name}". Values are JSON documents.
// Writes are last-writer-wins.
type Storage interface {
	// Get returns the raw value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListKeys returns the keys starting with prefix, sorted ascending.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes a GM value.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// Decode deserializes a GM value into generic Go types.
func Decode(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// GetValue reads and decodes key, returning def when it is absent.
func GetValue(ctx context.Context, s Storage, key string, def interface{}) (interface{}, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return Decode(raw)
}

// SetValue encodes and writes v under key.
func SetValue(ctx context.Context, s Storage, key string, v interface{}) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}

func filterSorted(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
