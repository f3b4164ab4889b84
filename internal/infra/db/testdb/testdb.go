// Package testdb provisions throw-away PostgreSQL databases for integration tests. A single
// container is started per test binary unless SEALOG_TEST_POSTGRES_DSN points at a server.
package testdb

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const image = "postgres:16-alpine"

var (
	serverOnce sync.Once
	serverDSN  string
	serverErr  error
)

func server(t *testing.T) string {
	t.Helper()
	serverOnce.Do(func() {
		if dsn := strings.TrimSpace(os.Getenv("SEALOG_TEST_POSTGRES_DSN")); dsn != "" {
			serverDSN = dsn
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		container, err := tcpostgres.Run(ctx, image,
			tcpostgres.WithDatabase("sealog"),
			tcpostgres.WithUsername("sealog"),
			tcpostgres.WithPassword("sealog"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			serverErr = err
			return
		}
		// The container is shared by every test in the binary; Ryuk reaps it on exit.
		serverDSN, serverErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if serverErr != nil {
		t.Fatalf("start postgres: %v", serverErr)
	}
	return serverDSN
}

// NewDatabase creates an empty database and returns its DSN. The database is dropped when the
// test finishes.
func NewDatabase(t *testing.T) string {
	t.Helper()
	base := server(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adminConn, err := pgx.Connect(ctx, withDatabase(base, "postgres"))
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	dbName := "sealog_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := adminConn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		_ = adminConn.Close(ctx)
		t.Fatalf("create database: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = adminConn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{dbName}.Sanitize()+" WITH (FORCE)")
		_ = adminConn.Close(ctx)
	})
	return withDatabase(base, dbName)
}

func withDatabase(dsn string, dbName string) string {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	parsed.Path = "/" + dbName
	return parsed.String()
}
