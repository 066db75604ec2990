// Package redisregistry is a cross-process NonceRegistry collaborator
// backed by Redis GET/SET, the shape a production deployment of
// epochcache actually needs: a registry readable by every process that
// holds a cache, written by whichever process owns the truth.
package redisregistry

import (
	"context"
	"fmt"

	"github.com/epochcache/epochcache/registry"
	goredis "github.com/redis/go-redis/v9"
)

// Registry adapts a *redis.Client to registry.Registry. Nonces are stored
// as plain decimal strings under their property-name key.
type Registry struct {
	client *goredis.Client
	ctx    context.Context
}

// New wraps client. ctx bounds every Redis call the registry makes; it is
// typically context.Background() for a long-lived registry.
func New(ctx context.Context, client *goredis.Client) *Registry {
	return &Registry{client: client, ctx: ctx}
}

// GetLong implements registry.Registry.
func (r *Registry) GetLong(name string, def int64) int64 {
	s, err := r.client.Get(r.ctx, name).Result()
	if err != nil {
		return def
	}
	return registry.ParseValue(s, def)
}

// Set implements registry.Registry.
func (r *Registry) Set(name string, value int64) error {
	if err := r.client.Set(r.ctx, name, registry.FormatValue(value), 0).Err(); err != nil {
		return fmt.Errorf("redisregistry: set %s: %w", name, err)
	}
	return nil
}

// Find implements registry.Registry. It issues one EXISTS check so that a
// key that has never been written resolves to nil, as the contract
// requires; once resolved, the returned handle re-reads Redis directly on
// every GetLong call without touching the key's hash again.
func (r *Registry) Find(name string) registry.Handle {
	n, err := r.client.Exists(r.ctx, name).Result()
	if err != nil || n == 0 {
		return nil
	}
	return &handle{r: r, name: name}
}

type handle struct {
	r    *Registry
	name string
}

func (h *handle) GetLong() int64 {
	return h.r.GetLong(h.name, int64(0))
}
