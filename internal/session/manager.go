package session

import (
	"wendao/internal/config"
	"wendao/internal/kv"
)

// New selects a Store implementation from cfg.Backend ("kv" uses store,
// anything else — including the empty default — uses the in-process
// MemoryStore). This is the composition root's single entry point for
// wiring Component I.
func New(cfg config.SessionConfig, store *kv.Store) Store {
	if cfg.Backend == "kv" && store != nil {
		return NewKVStore(store, cfg.KeyPrefix, cfg.TTLSecs)
	}
	return NewMemoryStore()
}
