package chat

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore selects a store implementation by name: "postgres" (default) or
// "memory".
func NewStore(kind string, pool *pgxpool.Pool) (Store, error) {
	switch kind {
	case "", "postgres":
		if pool == nil {
			return nil, fmt.Errorf("chat store %q requires a database pool", kind)
		}
		return NewPostgresStore(pool), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown chat store %q", kind)
	}
}
