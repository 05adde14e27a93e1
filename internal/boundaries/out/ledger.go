package out

import (
	"context"

	"github.com/bnema/testbay/internal/domain"
)

// LedgerStore persists reaper filter registrations so a restarted agent
// still enforces them.
type LedgerStore interface {
	Save(ctx context.Context, key string, filters domain.Filters) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) (map[string]domain.Filters, error)
	Close() error
}
