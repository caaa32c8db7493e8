package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"market_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the instrument catalog. Rows live in SQLite; active instruments are
// mirrored in memory so decoders can resolve symbols without touching the database.
type Storage struct {
	db *gorm.DB

	mu      sync.RWMutex
	byVenue map[string]*domain.Instrument // venue + "|" + venue symbol
	byUnif  map[string]*domain.Instrument // venue + "|" + unified symbol
}

var _ domain.InstrumentCatalog = (*Storage)(nil)

// NewStorage opens (or creates) the catalog at path. An empty path resolves to
// the user config directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&domain.InstrumentInfo{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "MarketSync", "data", "catalog.db"), nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Instrument Operations
// ======================================================================================

// UpsertInstrument creates or updates an instrument keyed by (venue, symbol) and marks it active.
func (s *Storage) UpsertInstrument(inst *domain.Instrument) error {
	row := domain.InstrumentInfo{
		Venue:       inst.Venue,
		Symbol:      inst.Symbol,
		VenueSymbol: inst.VenueSymbol,
		Base:        inst.Base,
		Quote:       inst.Quote,
		IsActive:    true,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "venue"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"venue_symbol", "base", "quote", "is_active", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert instrument %s/%s: %w", inst.Venue, inst.Symbol, err)
	}
	return s.reload()
}

// GetByVenueSymbol retrieves an instrument row by its native symbol.
func (s *Storage) GetByVenueSymbol(venue, venueSymbol string) (*domain.InstrumentInfo, error) {
	var row domain.InstrumentInfo
	err := s.db.First(&row, "venue = ? AND venue_symbol = ?", venue, venueSymbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListActive retrieves the active instruments of venue ordered by symbol.
func (s *Storage) ListActive(venue string) ([]domain.InstrumentInfo, error) {
	var rows []domain.InstrumentInfo
	err := s.db.Where("venue = ? AND is_active = ?", venue, true).Order("symbol").Find(&rows).Error
	return rows, err
}

// Deactivate hides an instrument from lookups without deleting its row.
func (s *Storage) Deactivate(venue, symbol string) error {
	res := s.db.Model(&domain.InstrumentInfo{}).
		Where("venue = ? AND symbol = ?", venue, symbol).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrInvalidSymbol, venue, symbol)
	}
	return s.reload()
}

// ByVenueSymbol resolves a native symbol ("BTCUSDT") among active instruments.
func (s *Storage) ByVenueSymbol(venue, venueSymbol string) (*domain.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byVenue[venue+"|"+venueSymbol]
	return inst, ok
}

// BySymbol resolves a unified symbol ("BTC/USDT") among active instruments.
func (s *Storage) BySymbol(venue, symbol string) (*domain.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byUnif[venue+"|"+symbol]
	return inst, ok
}

func (s *Storage) reload() error {
	var rows []domain.InstrumentInfo
	if err := s.db.Where("is_active = ?", true).Find(&rows).Error; err != nil {
		return fmt.Errorf("load instruments: %w", err)
	}

	byVenue := make(map[string]*domain.Instrument, len(rows))
	byUnif := make(map[string]*domain.Instrument, len(rows))
	for i := range rows {
		inst := rows[i].Instrument()
		byVenue[inst.Venue+"|"+inst.VenueSymbol] = &inst
		byUnif[inst.Venue+"|"+inst.Symbol] = &inst
	}

	s.mu.Lock()
	s.byVenue, s.byUnif = byVenue, byUnif
	s.mu.Unlock()
	return nil
}
