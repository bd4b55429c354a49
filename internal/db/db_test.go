package db

import "testing"

func TestRebind(t *testing.T) {
	q := `SELECT id FROM tasks WHERE project_id=? AND title != '?' AND status=?`
	if got := SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT id FROM tasks WHERE project_id=$1 AND title != '?' AND status=$2`
	if got := Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind = %s", got)
	}
}

func TestConfigDialect(t *testing.T) {
	if (Config{}).Dialect() != SQLite {
		t.Fatalf("expected sqlite default")
	}
	if (Config{Driver: "Postgres"}).Dialect() != Postgres {
		t.Fatalf("expected postgres")
	}
}
