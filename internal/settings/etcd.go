package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix namespaces the settings keys in etcd.
const DefaultEtcdPrefix = "/personagw/settings/"

// EtcdStore implements Store in etcd, one key per setting under a prefix.
// Watch delivers changes made by any replica.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to endpoints.
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("etcd settings: endpoints are required")
	}
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd settings connect: %w", err)
	}
	return &EtcdStore{client: client, prefix: prefix}, nil
}

// LoadAll returns every key under the prefix merged over the defaults.
func (s *EtcdStore) LoadAll(ctx context.Context) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	m := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		m[strings.TrimPrefix(string(kv.Key), s.prefix)] = string(kv.Value)
	}
	return withDefaults(m), nil
}

// Get returns the prompt for name.
func (s *EtcdStore) Get(ctx context.Context, name string) (string, error) {
	resp, err := s.client.Get(ctx, s.prefix+Key(name))
	if err != nil {
		return "", fmt.Errorf("get %s prompt: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return defaults[Key(name)], nil
	}
	return string(resp.Kvs[0].Value), nil
}

// Save puts one prompt.
func (s *EtcdStore) Save(ctx context.Context, name, prompt string) error {
	if _, err := s.client.Put(ctx, s.prefix+Key(name), prompt); err != nil {
		return fmt.Errorf("save %s prompt: %w", name, err)
	}
	return nil
}

// SaveAll replaces the prefix contents in one transaction. etcd rejects a
// delete range overlapping a put, so stale keys are deleted one by one.
func (s *EtcdStore) SaveAll(ctx context.Context, m map[string]string) error {
	existing, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	ops := make([]clientv3.Op, 0, len(m)+len(existing.Kvs))
	for _, kv := range existing.Kvs {
		if _, keep := m[strings.TrimPrefix(string(kv.Key), s.prefix)]; !keep {
			ops = append(ops, clientv3.OpDelete(string(kv.Key)))
		}
	}
	for k, v := range m {
		ops = append(ops, clientv3.OpPut(s.prefix+k, v))
	}
	if _, err := s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Watch calls onChange after each batch of changes under the prefix. Errors
// from onChange are left to the callback to report.
func (s *EtcdStore) Watch(ctx context.Context, onChange func(context.Context) error) error {
	for resp := range s.client.Watch(ctx, s.prefix, clientv3.WithPrefix()) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch settings: %w", err)
		}
		if len(resp.Events) == 0 {
			continue
		}
		_ = onChange(ctx)
	}
	return nil
}

// Close closes the client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
