package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"pricewatch/internal/domain"
)

// domainIndexKey holds the set of domains with persisted state so All does
// not need a SCAN over the keyspace.
const domainIndexKey = "domstate:index"

// DomainStateStore implements domain.DomainStateStore using Redis. State is
// stored as JSON at "domstate:{domain}" so cooldown windows survive process
// restarts.
type DomainStateStore struct {
	rdb *redis.Client
}

// NewDomainStateStore creates a DomainStateStore backed by the given Client.
func NewDomainStateStore(c *Client) *DomainStateStore {
	return &DomainStateStore{rdb: c.Underlying()}
}

func domainStateKey(dom string) string {
	return "domstate:" + dom
}

// Get retrieves the persisted state for a domain. It returns
// domain.ErrNotFound when the domain has no state.
func (s *DomainStateStore) Get(ctx context.Context, dom string) (domain.DomainState, error) {
	raw, err := s.rdb.Get(ctx, domainStateKey(dom)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.DomainState{}, domain.ErrNotFound
		}
		return domain.DomainState{}, fmt.Errorf("redis: get domain state %s: %w", dom, err)
	}
	var st domain.DomainState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.DomainState{}, fmt.Errorf("redis: decode domain state %s: %w", dom, err)
	}
	return st, nil
}

// Put stores the state for a domain and indexes it for All.
func (s *DomainStateStore) Put(ctx context.Context, st domain.DomainState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("redis: encode domain state %s: %w", st.Domain, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, domainStateKey(st.Domain), raw, 0)
	pipe.SAdd(ctx, domainIndexKey, st.Domain)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put domain state %s: %w", st.Domain, err)
	}
	return nil
}

// All returns every persisted domain state.
func (s *DomainStateStore) All(ctx context.Context) ([]domain.DomainState, error) {
	domains, err := s.rdb.SMembers(ctx, domainIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list domain state index: %w", err)
	}
	if len(domains) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(domains))
	for _, dom := range domains {
		cmds[dom] = pipe.Get(ctx, domainStateKey(dom))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: load domain states: %w", err)
	}

	var states []domain.DomainState
	for dom, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			continue // index entry without a value; skip
		}
		var st domain.DomainState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("redis: decode domain state %s: %w", dom, err)
		}
		states = append(states, st)
	}
	return states, nil
}

// Compile-time interface check.
var _ domain.DomainStateStore = (*DomainStateStore)(nil)
