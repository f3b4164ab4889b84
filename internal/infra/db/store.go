// Package db is the PostgreSQL Record Store. Every entity the core persists lives here; the
// per-tenant chain head row is the serialisation point for appends, batch creation and
// retention deletion.
package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strings"
	"time"

	"sealog/internal/domain"
	cryptoinfra "sealog/internal/infra/crypto"
	"sealog/internal/usecase"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Options struct {
	// Cipher encrypts identity and address columns for tenants with EncryptAtRest. Appends for
	// such tenants fail when it is nil.
	Cipher *cryptoinfra.FieldCipher
	Clock  func() time.Time
}

type Store struct {
	db     *gorm.DB
	cipher *cryptoinfra.FieldCipher
	clock  func() time.Time
}

var _ usecase.Store = (*Store)(nil)

func Open(dsn string, opts Options) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(gdb, opts), nil
}

func New(gdb *gorm.DB, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: gdb, cipher: opts.Cipher, clock: clock}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) SQL() (*sql.DB, error) { return s.db.DB() }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return mapErr(sqlDB.PingContext(ctx))
}

// Migrate applies the embedded migrations in file-name order. Applied versions are recorded in
// schema_migrations so reruns are no-ops.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec(
		"CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)",
	).Error; err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := MigrationFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		payload, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var applied int64
			if err := tx.Raw("SELECT count(*) FROM schema_migrations WHERE version = ?", name).Scan(&applied).Error; err != nil {
				return err
			}
			if applied > 0 {
				return nil
			}
			if err := tx.Exec(string(payload)).Error; err != nil {
				return err
			}
			return tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", name, s.clock().UTC()).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// MigrationFiles lists the embedded migration names in application order.
func MigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// MigrationSQL returns the content of one embedded migration.
func MigrationSQL(name string) ([]byte, error) {
	return fs.ReadFile(migrations, "migrations/"+name)
}

func (s *Store) Tenants() usecase.TenantRepository             { return tenantRepo{s} }
func (s *Store) Records() usecase.RecordRepository             { return recordRepo{s} }
func (s *Store) Batches() usecase.BatchRepository              { return batchRepo{s} }
func (s *Store) Verifications() usecase.VerificationRepository { return verificationRepo{s} }
func (s *Store) Flows() usecase.FlowRepository                 { return flowRepo{s} }
func (s *Store) Retention() usecase.RetentionRepository        { return retentionRepo{s} }

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// lockHead takes the row lock on a tenant's chain head for the rest of tx.
func lockHead(tx *gorm.DB, tenantID string) (ChainHeadModel, error) {
	var head ChainHeadModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ?", tenantID).
		Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChainHeadModel{}, domain.ErrTenantUnknown
	}
	return head, err
}

func loadHead(tx *gorm.DB, tenantID string) (ChainHeadModel, error) {
	var head ChainHeadModel
	err := tx.Where("tenant_id = ?", tenantID).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ChainHeadModel{}, domain.ErrTenantUnknown
	}
	return head, err
}

func headLowWater(head ChainHeadModel) int64 {
	if head.LowWater < 1 {
		return 1
	}
	return head.LowWater
}

// mapErr translates driver failures into domain sentinels. Connection-level failures become
// ErrStoreUnavailable so callers treat them as transient.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	case isDomainErr(err):
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func isDomainErr(err error) bool {
	for _, target := range []error{
		domain.ErrNotFound, domain.ErrConflict, domain.ErrInvalidArgument, domain.ErrTenantUnknown,
		domain.ErrTenantFrozen, domain.ErrIllegalTransition, domain.ErrRetentionDeferred,
		domain.ErrStoreUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newID() string {
	return uuid.NewString()
}

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func strVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func stateStrings[T ~string](states []T) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}
