package main

import (
	"encoding/json"
	"fmt"
	"objrpc/registry"
	"sort"
)

// KV is the object `minirpc serve` exposes: an in-memory map of JSON values.
// The server calls it from one goroutine only, so it needs no locking.
type KV struct {
	data map[string]json.RawMessage
}

func NewKV() *KV {
	return &KV{data: make(map[string]json.RawMessage)}
}

// kvRegistry exposes kv with named parameters, so `minirpc call Set --kw
// key=a --kw value=1` works as well as positional arguments.
func kvRegistry(kv *KV) (*registry.Registry, error) {
	return registry.New(kv,
		registry.WithParams("Set", "key", "value"),
		registry.WithParams("Get", "key"),
		registry.WithParams("Delete", "key"),
	)
}

// Set stores value under key and reports whether key was new.
func (kv *KV) Set(key string, value json.RawMessage) bool {
	_, exists := kv.data[key]
	kv.data[key] = value
	return !exists
}

func (kv *KV) Get(key string) (json.RawMessage, error) {
	v, ok := kv.data[key]
	if !ok {
		return nil, fmt.Errorf("KeyError: %q", key)
	}
	return v, nil
}

// Delete removes key and reports whether it was present.
func (kv *KV) Delete(key string) bool {
	_, ok := kv.data[key]
	delete(kv.data, key)
	return ok
}

func (kv *KV) Keys() []string {
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (kv *KV) Len() int {
	return len(kv.data)
}

func (kv *KV) Ping() string {
	return "pong"
}
