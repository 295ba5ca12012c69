package api

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/3xpluto/go-ratelimiter/internal/config"
	"github.com/3xpluto/go-ratelimiter/internal/ratelimit"
)

var ErrUnknownPolicy = errors.New("unknown policy")

// PolicySet is the live set of named policies. Replace swaps the whole set at
// once, so a check never sees half of a reload.
type PolicySet struct {
	limiter *ratelimit.Limiter

	mu     sync.RWMutex
	byName map[string]config.PolicyConfig
	order  []string
}

func NewPolicySet(limiter *ratelimit.Limiter, policies []config.PolicyConfig) (*PolicySet, error) {
	ps := &PolicySet{limiter: limiter}
	if err := ps.Replace(policies); err != nil {
		return nil, err
	}
	return ps, nil
}

// Replace validates every policy against the limiter and installs the set.
// On error the current set is kept.
func (ps *PolicySet) Replace(policies []config.PolicyConfig) error {
	if err := config.ValidatePolicies(policies); err != nil {
		return errors.Wrap(ratelimit.ErrInvalidConfig, err.Error())
	}
	byName := make(map[string]config.PolicyConfig, len(policies))
	order := make([]string, 0, len(policies))
	for _, p := range policies {
		req, err := p.Request("validate")
		if err == nil {
			err = ps.limiter.Validate(req)
		}
		if err != nil {
			return errors.WithMessagef(err, "policy %q", p.Name)
		}
		byName[p.Name] = p
		order = append(order, p.Name)
	}

	ps.mu.Lock()
	ps.byName = byName
	ps.order = order
	ps.mu.Unlock()
	return nil
}

func (ps *PolicySet) Get(name string) (config.PolicyConfig, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byName[name]
	return p, ok
}

// List returns the policies in configuration order.
func (ps *PolicySet) List() []config.PolicyConfig {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]config.PolicyConfig, 0, len(ps.order))
	for _, name := range ps.order {
		out = append(out, ps.byName[name])
	}
	return out
}

func (ps *PolicySet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.order)
}

// Request builds the engine request for key under the named policy.
func (ps *PolicySet) Request(name, key string) (ratelimit.Request, error) {
	p, ok := ps.Get(name)
	if !ok {
		return ratelimit.Request{}, errors.Wrapf(ErrUnknownPolicy, "%q", name)
	}
	return p.Request(key)
}
