package quota

import (
	"context"
	"os"
	"testing"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if KOTOTSUNA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("KOTOTSUNA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KOTOTSUNA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	name := "test-" + t.Name()

	s, err := OpenPostgres(ctx, dsn, name)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM stt_quota WHERE name = $1`, name)
		s.Close()
	})
	_, _ = s.pool.Exec(ctx, `DELETE FROM stt_quota WHERE name = $1`, name)

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	empty, err := s.Load(ctx)
	if err != nil || empty != (Record{}) {
		t.Fatalf("Load on empty table = %+v, %v", empty, err)
	}

	want := Record{UsedSeconds: 42, Period: "2026-10", Provider: Metered}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	want.UsedSeconds, want.Provider = 36000, Unmetered
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save (upsert): %v", err)
	}

	// A second store on the same record sees the shared value.
	other, err := OpenPostgres(ctx, dsn, name)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer other.Close()
	got, err := other.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestOpenPostgres_BadDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "://not a dsn", ""); err == nil {
		t.Error("expected error for malformed dsn")
	}
}
