// Package util provides PostgreSQL helpers shared by integration tests.
//
// Tests connect to CI_DATABASE_URL when it is set. Otherwise one
// postgres testcontainer is started per test binary and every test gets
// its own schema inside it.
package util

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codeready-toolchain/chatcore/pkg/database"
)

const maxSchemaPrefix = 40

var shared struct {
	once    sync.Once
	connStr string
	err     error
}

// SetupTestDatabase returns a pool bound to a new schema holding the
// migrated chat_histories table. The schema is dropped on cleanup.
func SetupTestDatabase(t *testing.T) *stdsql.DB {
	t.Helper()
	ctx := context.Background()
	base := ConnString(t)
	schema := SchemaName(t)

	admin, err := stdsql.Open("pgx", base)
	require.NoError(t, err)
	defer func() { _ = admin.Close() }()
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", WithSearchPath(base, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(8)
	require.NoError(t, database.Migrate(db, "test"))

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = db.Close()
	})
	return db
}

// ConnString returns the connection string of the test server without a
// schema. LISTEN connections use it directly.
func ConnString(t *testing.T) string {
	t.Helper()
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	shared.once.Do(func() {
		shared.connStr, shared.err = startContainer(context.Background())
	})
	require.NoError(t, shared.err, "start postgres testcontainer")
	return shared.connStr
}

func startContainer(ctx context.Context) (string, error) {
	c, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("chatcore"),
		postgres.WithUsername("chatcore"),
		postgres.WithPassword("chatcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		return "", fmt.Errorf("run postgres container: %w", err)
	}
	connStr, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", fmt.Errorf("container connection string: %w", err)
	}
	return connStr, nil
}

// SchemaName derives a unique schema name from the test name.
func SchemaName(t *testing.T) string {
	var b strings.Builder
	for _, r := range strings.ToLower(t.Name()) {
		if b.Len() == maxSchemaPrefix {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "t_" + b.String() + "_" + uuid.NewString()[:8]
}

// WithSearchPath sets search_path on every connection opened from connStr.
func WithSearchPath(connStr, schema string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.Scheme == "" {
		// keyword/value form
		return connStr + " search_path=" + schema
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}
