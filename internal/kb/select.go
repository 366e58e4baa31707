package kb

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/exolabs/exobridge/internal/config"
)

// ForSettings returns the adapter a tenant's resolved settings select.
// An empty or "none" provider yields [Noop]. The pool may be nil when the
// server runs without Postgres; selecting "direct" then fails.
func ForSettings(settings *config.TenantSettings, pool *pgxpool.Pool) (Adapter, error) {
	switch settings.KBProvider {
	case "", "none":
		return Noop{}, nil
	case "direct":
		if pool == nil {
			return nil, fmt.Errorf("kb: provider %q requires a database connection", settings.KBProvider)
		}
		return NewDirect(pool), nil
	case "remote":
		return NewRemote(settings.KBBaseURL, settings.KBToken)
	default:
		return nil, fmt.Errorf("kb: unknown provider %q", settings.KBProvider)
	}
}
