package storage

import (
	"encoding/json"
	"sort"
)

// mapTx is the Tx shared by the file and memory drivers.
type mapTx struct {
	data  map[string]json.RawMessage
	dirty bool
}

func newMapTx(src map[string]json.RawMessage) *mapTx {
	cp := make(map[string]json.RawMessage, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return &mapTx{data: cp}
}

func (t *mapTx) Get(key string) (json.RawMessage, bool) {
	v, ok := t.data[key]
	return v, ok
}

func (t *mapTx) Put(key string, value json.RawMessage) {
	t.data[key] = append(json.RawMessage(nil), value...)
	t.dirty = true
}

func (t *mapTx) Delete(key string) {
	if _, ok := t.data[key]; ok {
		delete(t.data, key)
		t.dirty = true
	}
}

func (t *mapTx) Keys() []string {
	keys := make([]string, 0, len(t.data))
	for k := range t.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// readOnlyTx rejects writes made inside View.
type readOnlyTx struct{ *mapTx }

func (readOnlyTx) Put(string, json.RawMessage) { panic("storage: Put inside View") }
func (readOnlyTx) Delete(string)               { panic("storage: Delete inside View") }
