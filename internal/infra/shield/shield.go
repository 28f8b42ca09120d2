// Package shield implements the platform shield as persisted state in the
// shared store. The host bridge reads shield.state and the target selection to
// apply the actual block; both processes see the same value.
package shield

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/stepgate/stepgate/internal/domain"
	"github.com/stepgate/stepgate/internal/infra/observability"
)

var _ domain.Shield = (*StoreShield)(nil)

// StoreShield persists the shield state. A transition is counted only when
// the state actually changes.
type StoreShield struct {
	store domain.Store
}

// New creates a store-backed shield.
func New(store domain.Store) *StoreShield {
	return &StoreShield{store: store}
}

// Apply sets blocking over targets. An empty selection is valid and blocks nothing.
func (s *StoreShield) Apply(ctx context.Context, targets domain.TargetSelection, active bool) error {
	state := domain.ShieldUnblocked
	if active {
		state = domain.ShieldBlocking
	}

	changed := false
	keys := []string{domain.KeyShieldState, domain.KeyShieldTransitions}
	err := s.store.Update(ctx, keys, func(cur map[string]string) (domain.Mutation, error) {
		prev, ok := cur[domain.KeyShieldState]
		changed = !ok || domain.ParseShieldState(prev) != state
		if !changed {
			return domain.Mutation{}, nil
		}
		n := domain.ParseInt(cur[domain.KeyShieldTransitions]) + 1
		return domain.Mutation{Set: map[string]string{
			domain.KeyShieldState:       state.String(),
			domain.KeyShieldTransitions: domain.FormatInt(n),
		}}, nil
	})
	if err != nil {
		return err
	}
	if changed {
		observability.ShieldTransitions.WithLabelValues(state.String()).Inc()
		log.Info().
			Str("state", state.String()).
			Int("targets", targets.Count()).
			Msg("Shield applied")
	}
	return nil
}

// Transitions returns how many state changes have been applied.
func (s *StoreShield) Transitions(ctx context.Context) (int64, error) {
	v, _, err := s.store.Get(ctx, domain.KeyShieldTransitions)
	return domain.ParseInt(v), err
}
