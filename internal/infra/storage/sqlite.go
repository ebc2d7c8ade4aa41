package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"crypto_paper/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists orders, trades, positions and the PnL ledger in SQLite.
// It implements domain.TradeRecorder.
type Storage struct {
	db *gorm.DB
}

var _ domain.TradeRecorder = (*Storage)(nil)

// NewStorage opens (or creates) the SQLite database at path.
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Pure Go SQLite
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// single writer; the broker serializes writes anyway
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.Order{}, &domain.Trade{}, &domain.Position{}, &domain.PnLEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Orders
// ======================================================================================

// CreateOrder inserts a newly placed order.
func (s *Storage) CreateOrder(ctx context.Context, order domain.Order) error {
	return s.db.WithContext(ctx).Create(&order).Error
}

// UpdateOrderStatus moves an order to status with its cumulative filled quantity.
func (s *Storage) UpdateOrderStatus(ctx context.Context, clientID string, status domain.OrderStatus, filledQty decimal.Decimal) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("client_id = ?", clientID).
		Updates(map[string]interface{}{
			"status":     status,
			"filled_qty": filledQty,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update order %s: %w", clientID, domain.ErrOrderNotFound)
	}
	return nil
}

// GetOrder retrieves an order by client id. Not found is not an error.
func (s *Storage) GetOrder(ctx context.Context, clientID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.WithContext(ctx).First(&order, "client_id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ======================================================================================
// Trades & ledger
// ======================================================================================

// CreateTrade inserts one finalized fill.
func (s *Storage) CreateTrade(ctx context.Context, trade domain.Trade) error {
	return s.db.WithContext(ctx).Create(&trade).Error
}

// ListTrades returns a run's trades in fill order. An empty runID lists all.
func (s *Storage) ListTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	q := s.db.WithContext(ctx).Order("timestamp asc")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	err := q.Find(&trades).Error
	return trades, err
}

// AddPnLEntry appends a ledger line.
func (s *Storage) AddPnLEntry(ctx context.Context, entry domain.PnLEntry) error {
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ListPnL returns a run's ledger in insertion order.
func (s *Storage) ListPnL(ctx context.Context, runID string) ([]domain.PnLEntry, error) {
	var entries []domain.PnLEntry
	q := s.db.WithContext(ctx).Order("id asc")
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ======================================================================================
// Positions
// ======================================================================================

// UpdatePosition upserts the position row of its symbol. Flat positions are kept
// with zero size so the last realized PnL stays visible.
func (s *Storage) UpdatePosition(ctx context.Context, pos domain.Position) error {
	return s.db.WithContext(ctx).Save(&pos).Error
}

// GetPosition retrieves the stored position of symbol. Not found is not an error.
func (s *Storage) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	var pos domain.Position
	err := s.db.WithContext(ctx).First(&pos, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}
