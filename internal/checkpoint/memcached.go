package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IliaW/resource-scanner/config"
	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedStore keeps the snapshot under one key so several scanner instances can share a checkpoint.
// Memcached drops values larger than the server item size limit (1MB by default).
type MemcachedStore struct {
	client *memcache.Client
	key    string
}

func NewMemcachedStore(cfg *config.CheckpointConfig) (*MemcachedStore, error) {
	slog.Info("connecting to memcached...")
	ss := new(memcache.ServerList)
	err := ss.SetServers(cfg.Servers...)
	if err != nil {
		return nil, fmt.Errorf("failed to set memcached servers: %w", err)
	}
	s := &MemcachedStore{
		client: memcache.NewFromSelector(ss),
		key:    cfg.Key,
	}
	slog.Info("pinging the memcached.")
	if err = s.client.Ping(); err != nil {
		return nil, fmt.Errorf("connection to the memcached is failed: %w", err)
	}
	slog.Info("connected to memcached!")

	return s, nil
}

func (s *MemcachedStore) Load(_ context.Context) (*Snapshot, error) {
	item, err := s.client.Get(s.key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		slog.Debug("no checkpoint in memcached.", slog.String("key", s.key))
		return &Snapshot{Processed: []string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint from memcached: %w", err)
	}
	var snapshot Snapshot
	if err = json.Unmarshal(item.Value, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &snapshot, nil
}

func (s *MemcachedStore) Save(_ context.Context, snapshot *Snapshot) error {
	byteValue, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	item := &memcache.Item{
		Key:   s.key,
		Value: byteValue,
	}
	if err = s.client.Set(item); err != nil {
		slog.Error("failed to save checkpoint to memcached.", slog.String("key", s.key),
			slog.String("err", err.Error()))
		return err
	}
	return nil
}

func (s *MemcachedStore) Close() {
	slog.Info("closing memcached connection.")
	err := s.client.Close()
	if err != nil {
		slog.Error("failed to close memcached connection.", slog.String("err", err.Error()))
	}
}
