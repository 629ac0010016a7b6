//go:build integration

package sqlstore

import (
	"context"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wilhg/ckptviz/pkg/store"
	"github.com/wilhg/ckptviz/pkg/store/storetest"
)

func TestPostgresArchiveStoreContract(t *testing.T) {
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("ckptviz"),
		tcpostgres.WithUsername("ckptviz"),
		tcpostgres.WithPassword("ckptviz"),
		tcpostgres.WithSQLDriver("pgx"),
		tc.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if st.Dialect() != "postgres" {
		t.Fatalf("dialect=%s", st.Dialect())
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	// Subtests share one database, so each gets its own table contents.
	storetest.Run(t, func(t *testing.T) store.ArchiveStore {
		if _, err := st.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatal(err)
		}
		return st
	})
}
