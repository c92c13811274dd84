// Package store persists wallet lifecycle state with gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound indicates the wallet has no record.
	ErrNotFound = errors.New("store: wallet not found")
	// ErrRefillPermanent is returned when a caller attempts to clear the
	// refilled flag.
	ErrRefillPermanent = errors.New("store: refilled flag cannot be cleared")
	// ErrAlreadyRefilled is returned by MarkRefilled when another writer won.
	ErrAlreadyRefilled = errors.New("store: wallet already refilled")
	// ErrDSNRequired is returned when no database location is configured.
	ErrDSNRequired = errors.New("store: dsn must be configured")
)

// Config selects the database backend.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	DSN    string
	// Debug enables gorm SQL logging.
	Debug bool
}

// Store is the gorm-backed wallet record store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// sqlite permits a single writer; serialise on one connection.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	store, err := New(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return store, nil
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database handle required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// forUpdate applies a row lock where the dialect supports one.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// UpsertWallet creates the wallet on first sight. Existing records keep all
// lifecycle state; only a non-empty name is updated. created reports whether
// the row was inserted.
func (s *Store) UpsertWallet(ctx context.Context, address, name string) (Wallet, bool, error) {
	if s == nil {
		return Wallet{}, false, fmt.Errorf("storage not configured")
	}
	addr := key(address)
	var (
		wallet  Wallet
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := forUpdate(tx).First(&wallet, "address = ?", addr).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			now := s.now().UTC()
			wallet = Wallet{
				Address:     addr,
				Name:        strings.TrimSpace(name),
				Balance:     decimal.Zero,
				NativeSent:  decimal.Zero,
				ConnectedAt: now,
				UpdatedAt:   now,
			}
			created = true
			return tx.Create(&wallet).Error
		case err != nil:
			return err
		}
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || trimmed == wallet.Name {
			return nil
		}
		wallet.Name = trimmed
		return tx.Model(&Wallet{}).Where("address = ?", addr).Updates(map[string]interface{}{
			"name":       trimmed,
			"updated_at": s.now().UTC(),
		}).Error
	})
	if err != nil {
		return Wallet{}, false, fmt.Errorf("upsert wallet: %w", err)
	}
	return wallet, created, nil
}

// GetWallet loads a wallet by address.
func (s *Store) GetWallet(ctx context.Context, address string) (Wallet, error) {
	if s == nil {
		return Wallet{}, fmt.Errorf("storage not configured")
	}
	var wallet Wallet
	err := s.db.WithContext(ctx).First(&wallet, "address = ?", key(address)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("load wallet: %w", err)
	}
	return wallet, nil
}

// ListWallets returns every wallet ordered by address.
func (s *Store) ListWallets(ctx context.Context) ([]Wallet, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var wallets []Wallet
	if err := s.db.WithContext(ctx).Order("address").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return wallets, nil
}

// SetFlag updates one lifecycle flag. Clearing refilled on a refilled wallet
// fails with ErrRefillPermanent.
func (s *Store) SetFlag(ctx context.Context, address string, flag Flag, value bool) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	switch flag {
	case FlagRefilled, FlagApproved, FlagProcessed:
	default:
		return fmt.Errorf("store: unknown flag %q", flag)
	}
	addr := key(address)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wallet Wallet
		err := forUpdate(tx).First(&wallet, "address = ?", addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		if flag == FlagRefilled && wallet.Refilled && !value {
			return ErrRefillPermanent
		}
		return tx.Model(&Wallet{}).Where("address = ?", addr).Updates(map[string]interface{}{
			string(flag): value,
			"updated_at":  s.now().UTC(),
		}).Error
	})
}

// UpdateBalance stores the last observed token balance.
func (s *Store) UpdateBalance(ctx context.Context, address string, balance decimal.Decimal, checkedAt time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	checked := checkedAt.UTC()
	res := s.db.WithContext(ctx).Model(&Wallet{}).Where("address = ?", key(address)).Updates(map[string]interface{}{
		"balance":            balance,
		"last_balance_check": &checked,
		"updated_at":         s.now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRefilled sets the refilled flag and, when gas was actually sent, writes
// the wallet's single RefillRecord in the same transaction.
func (s *Store) MarkRefilled(ctx context.Context, address string, nativeSent decimal.Decimal, record *RefillRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	addr := key(address)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wallet Wallet
		err := forUpdate(tx).First(&wallet, "address = ?", addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		if wallet.Refilled {
			return ErrAlreadyRefilled
		}
		if record != nil {
			if record.ID == uuid.Nil {
				record.ID = uuid.New()
			}
			record.Wallet = addr
			if record.CreatedAt.IsZero() {
				record.CreatedAt = s.now().UTC()
			}
			if err := tx.Create(record).Error; err != nil {
				return fmt.Errorf("insert refill record: %w", err)
			}
		}
		return tx.Model(&Wallet{}).Where("address = ?", addr).Updates(map[string]interface{}{
			"refilled":    true,
			"native_sent": nativeSent,
			"updated_at":  s.now().UTC(),
		}).Error
	})
}

// RecordPull appends the pull log, zeroes the wallet balance and marks it
// processed atomically.
func (s *Store) RecordPull(ctx context.Context, entry *PullLog) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if entry == nil {
		return fmt.Errorf("store: pull log required")
	}
	addr := key(entry.Wallet)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wallet Wallet
		err := forUpdate(tx).First(&wallet, "address = ?", addr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		entry.Wallet = addr
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = s.now().UTC()
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert pull log: %w", err)
		}
		return tx.Model(&Wallet{}).Where("address = ?", addr).Updates(map[string]interface{}{
			"balance":    decimal.Zero,
			"processed":  true,
			"updated_at": s.now().UTC(),
		}).Error
	})
}

// RecordWithdraw appends a withdraw log.
func (s *Store) RecordWithdraw(ctx context.Context, entry *WithdrawLog) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if entry == nil {
		return fmt.Errorf("store: withdraw log required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Master = key(entry.Master)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("insert withdraw log: %w", err)
	}
	return nil
}

// DeleteWallet removes the wallet record. Logs are retained.
func (s *Store) DeleteWallet(ctx context.Context, address string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	res := s.db.WithContext(ctx).Where("address = ?", key(address)).Delete(&Wallet{})
	if res.Error != nil {
		return fmt.Errorf("delete wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPullLogs returns the pull history for address, oldest first.
func (s *Store) ListPullLogs(ctx context.Context, address string) ([]PullLog, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var logs []PullLog
	err := s.db.WithContext(ctx).Where("wallet = ?", key(address)).Order("created_at").Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list pull logs: %w", err)
	}
	return logs, nil
}

// ListWithdrawLogs returns every withdraw, oldest first.
func (s *Store) ListWithdrawLogs(ctx context.Context) ([]WithdrawLog, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var logs []WithdrawLog
	if err := s.db.WithContext(ctx).Order("created_at").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list withdraw logs: %w", err)
	}
	return logs, nil
}

// CountRefills returns how many refill records exist for address.
func (s *Store) CountRefills(ctx context.Context, address string) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&RefillRecord{}).Where("wallet = ?", key(address)).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count refills: %w", err)
	}
	return count, nil
}
