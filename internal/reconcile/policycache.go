package reconcile

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/terrpan/runnerguard/internal/policy"
	"github.com/terrpan/runnerguard/internal/runner"
)

// policyCache memoizes owner policies for the duration of one cycle so
// that runners sharing an owner cost one store read. Concurrent lookups
// for the same owner are collapsed.
type policyCache struct {
	store  policy.Store
	group  singleflight.Group
	mu     sync.Mutex
	loaded map[runner.Subject]policy.Policy
}

func newPolicyCache(store policy.Store) *policyCache {
	return &policyCache{store: store, loaded: make(map[runner.Subject]policy.Policy)}
}

func (c *policyCache) get(ctx context.Context, subject runner.Subject) (policy.Policy, error) {
	c.mu.Lock()
	p, ok := c.loaded[subject]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	key := string(subject.Kind) + "\x00" + subject.ID + "\x00" + subject.SecondaryID
	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		p, ok := c.loaded[subject]
		c.mu.Unlock()
		if ok {
			return p, nil
		}

		p, err := c.store.Get(ctx, subject)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.loaded[subject] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(policy.Policy), nil
}
