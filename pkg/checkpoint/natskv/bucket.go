package natskv

import (
	"errors"

	"github.com/nats-io/nats.go"
)

// ErrKeyNotFound is returned by a Bucket for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// Bucket is the subset of a JetStream key-value bucket the provider uses.
type Bucket interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
}

// WrapKeyValue adapts a JetStream KeyValue to a Bucket.
func WrapKeyValue(kv nats.KeyValue) Bucket {
	return kvBucket{kv: kv}
}

type kvBucket struct {
	kv nats.KeyValue
}

func (b kvBucket) Get(key string) ([]byte, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b kvBucket) Put(key string, value []byte) error {
	_, err := b.kv.Put(key, value)
	return err
}

func (b kvBucket) Delete(key string) error {
	err := b.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b kvBucket) Keys() ([]string, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	return keys, err
}
