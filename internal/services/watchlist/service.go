// Package watchlist keeps the registry of wallet addresses the
// position and health workers monitor. The registry is a Redis set so
// every process sees the same membership; addresses are stored
// lowercase.
package watchlist

import (
	"context"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"atlas/pkg/errors"
	"atlas/pkg/logger"
)

// Key is the Redis set holding tracked wallet addresses. Exported so
// the metrics collector can gauge the registry size.
const Key = "watchlist:wallets"

// Store is the subset of the redis client the registry needs.
type Store interface {
	SAdd(ctx context.Context, key string, members ...interface{}) (int64, error)
	SRem(ctx context.Context, key string, members ...interface{}) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member interface{}) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// Service manages the tracked wallet registry.
type Service struct {
	store Store
	log   *logger.Logger
}

// NewService creates the registry service.
func NewService(store Store, log *logger.Logger) *Service {
	return &Service{
		store: store,
		log:   log.Named("watchlist"),
	}
}

// Track adds a wallet to the registry, reporting whether it was new.
func (s *Service) Track(ctx context.Context, address string) (bool, error) {
	addr, err := normalize(address)
	if err != nil {
		return false, err
	}

	added, err := s.store.SAdd(ctx, Key, addr)
	if err != nil {
		return false, errors.Wrapf(err, "track %s", addr)
	}
	if added > 0 {
		s.log.Infow("wallet tracked", "user", addr)
	}
	return added > 0, nil
}

// Untrack removes a wallet, reporting whether it was present.
func (s *Service) Untrack(ctx context.Context, address string) (bool, error) {
	addr, err := normalize(address)
	if err != nil {
		return false, err
	}

	removed, err := s.store.SRem(ctx, Key, addr)
	if err != nil {
		return false, errors.Wrapf(err, "untrack %s", addr)
	}
	if removed > 0 {
		s.log.Infow("wallet untracked", "user", addr)
	}
	return removed > 0, nil
}

// List returns every tracked wallet, sorted so worker runs iterate the
// registry in a stable order.
func (s *Service) List(ctx context.Context) ([]string, error) {
	wallets, err := s.store.SMembers(ctx, Key)
	if err != nil {
		return nil, errors.Wrap(err, "list tracked wallets")
	}
	sort.Strings(wallets)
	return wallets, nil
}

// IsTracked checks whether a wallet is in the registry.
func (s *Service) IsTracked(ctx context.Context, address string) (bool, error) {
	addr, err := normalize(address)
	if err != nil {
		return false, err
	}
	return s.store.SIsMember(ctx, Key, addr)
}

// Count returns the registry size.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.SCard(ctx, Key)
}

// Seed loads the configured bootstrap wallets into the registry.
// Invalid entries are logged and skipped so one bad address does not
// block startup. Returns how many members were newly added.
func (s *Service) Seed(ctx context.Context, wallets []string) (int, error) {
	members := make([]interface{}, 0, len(wallets))
	for _, w := range wallets {
		addr, err := normalize(w)
		if err != nil {
			s.log.Warnw("skipping invalid seed wallet", "address", w)
			continue
		}
		members = append(members, addr)
	}
	if len(members) == 0 {
		return 0, nil
	}

	added, err := s.store.SAdd(ctx, Key, members...)
	if err != nil {
		return 0, errors.Wrap(err, "seed watchlist")
	}

	s.log.Infow("watchlist seeded", "configured", len(wallets), "added", added)
	return int(added), nil
}

// normalize canonicalizes to the 0x-prefixed lowercase form so the
// same wallet never appears in the set twice under different casings
// or with the prefix missing.
func normalize(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", errors.Wrapf(errors.ErrInvalidInput, "wallet address %q", address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}
