package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// ShopSchema creates the fixture tables used across adapter, tool and
// harness tests.
const ShopSchema = `
CREATE TABLE customers (
	id        INTEGER PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name      TEXT NOT NULL,
	email     TEXT
);
CREATE TABLE orders (
	id          INTEGER PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	customer_id INTEGER REFERENCES customers(id),
	status      TEXT NOT NULL,
	total_cents INTEGER NOT NULL,
	email       TEXT,
	ssn         TEXT,
	created_at  TEXT NOT NULL,
	deleted_at  TEXT
);
CREATE TABLE order_items (
	id        INTEGER PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	order_id  INTEGER NOT NULL REFERENCES orders(id),
	sku       TEXT NOT NULL,
	qty       INTEGER NOT NULL
);
`

// ShopSeed is the fixture data. Tenant "acme" has four live orders (1, 2,
// 3 and 6) totalling 3200 cents and one soft-deleted order (4); order 5
// belongs to "globex".
const ShopSeed = `
INSERT INTO customers VALUES
	(1, 'acme', 'Ada', 'ada@acme.test'),
	(2, 'acme', 'Bob', 'bob@acme.test'),
	(3, 'globex', 'Gus', 'gus@globex.test');
INSERT INTO orders VALUES
	(1, 'acme', 1, 'paid', 1200, 'ada@acme.test', '111-11-1111', '2024-01-01T10:00:00Z', NULL),
	(2, 'acme', 2, 'shipped', 800, 'bob@acme.test', '222-22-2222', '2024-01-02T10:00:00Z', NULL),
	(3, 'acme', 1, 'paid', 500, 'ada@acme.test', '111-11-1111', '2024-01-03T10:00:00Z', NULL),
	(4, 'acme', 2, 'cancelled', 300, 'bob@acme.test', '222-22-2222', '2024-01-04T10:00:00Z', '2024-02-01T00:00:00Z'),
	(5, 'globex', 3, 'paid', 9900, 'gus@globex.test', '333-33-3333', '2024-01-05T10:00:00Z', NULL),
	(6, 'acme', 1, 'new', 700, 'ada@acme.test', '111-11-1111', '2024-01-06T10:00:00Z', NULL);
INSERT INTO order_items VALUES
	(1, 'acme', 1, 'SKU-A', 1),
	(2, 'acme', 1, 'SKU-B', 2),
	(3, 'acme', 2, 'SKU-A', 1),
	(4, 'globex', 5, 'SKU-Z', 3),
	(5, 'acme', 3, 'SKU-C', 1);
`

// ShopModels maps the fixture tables to model names.
var ShopModels = map[string]string{
	"customers":   "Customer",
	"orders":      "Order",
	"order_items": "OrderItem",
}

// ShopDB creates a seeded SQLite database in a temp dir and returns its
// path. The file is removed when the test ends.
func ShopDB(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open shop db: %v", err)
	}
	defer db.Close()
	for _, stmt := range []string{ShopSchema, ShopSeed} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed shop db: %v", err)
		}
	}
	return path
}
