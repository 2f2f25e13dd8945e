// Package provisioner implements the Provisioner collaborator C6 depends on:
// auto-provisioning a placeholder Instance on a hard lookup miss, and
// ensuring (with a per-tenant cache) that a tenant always has a default
// inbound Queue. Grounded on spec.md §9's unique-violation recovery note and
// the teacher storage layer's same insert-then-read idiom used throughout
// postgres_store.go, generalized here to the store.ConflictError sentinel so
// it works against any Store backend.
package provisioner

import (
	"context"
	"errors"
	"sync"

	"github.com/leadengine/wa-ingest/internal/store"
)

// Provisioner auto-provisions instances/queues on lookup miss.
type Provisioner struct {
	store store.Store

	mu         sync.RWMutex
	queueCache map[string]store.Queue
}

// New builds a Provisioner backed by st.
func New(st store.Store) *Provisioner {
	return &Provisioner{store: st, queueCache: map[string]store.Queue{}}
}

// AutoProvisionInstance creates a placeholder Instance for a tenant/broker
// pair that resolved to nothing, recovering the existing row on a racing
// concurrent insert rather than treating ErrConflict as failure.
func (p *Provisioner) AutoProvisionInstance(ctx context.Context, tenantID, brokerID string) (store.Instance, error) {
	inst := store.Instance{
		TenantID: tenantID,
		BrokerID: brokerID,
		Status:   store.InstanceStatusPending,
	}
	created, err := p.store.CreateInstance(ctx, inst)
	if err == nil {
		return created, nil
	}
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return p.store.FindInstanceByID(ctx, tenantID, conflict.ExistingID)
	}
	return store.Instance{}, err
}

// EnsureInboundQueue returns the tenant's default queue, cached after the
// first successful resolution, auto-provisioning on miss.
func (p *Provisioner) EnsureInboundQueue(ctx context.Context, tenantID string) (store.Queue, error) {
	p.mu.RLock()
	if q, ok := p.queueCache[tenantID]; ok {
		p.mu.RUnlock()
		return q, nil
	}
	p.mu.RUnlock()

	q, err := p.store.FindDefaultQueue(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return store.Queue{}, err
		}
		created, cErr := p.store.CreateQueue(ctx, store.Queue{TenantID: tenantID, Name: "Inbound", IsDefault: true})
		if cErr != nil {
			var conflict *store.ConflictError
			if errors.As(cErr, &conflict) {
				q, err = p.store.FindDefaultQueue(ctx, tenantID)
				if err != nil {
					return store.Queue{}, err
				}
			} else {
				return store.Queue{}, cErr
			}
		} else {
			q = created
		}
	}

	p.mu.Lock()
	p.queueCache[tenantID] = q
	p.mu.Unlock()
	return q, nil
}

// InvalidateQueueCache drops the cached queue for tenantID. Nothing in this
// module calls it; without a call, a cached queue stays cached for the
// Provisioner's lifetime.
func (p *Provisioner) InvalidateQueueCache(tenantID string) {
	p.mu.Lock()
	delete(p.queueCache, tenantID)
	p.mu.Unlock()
}
