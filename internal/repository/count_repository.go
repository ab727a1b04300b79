package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/binary-classifier/internal/verdict"
)

// ClassCount is one persisted label counter row.
type ClassCount struct {
	Label     string    `gorm:"column:label;primaryKey;size:16"`
	Count     int64     `gorm:"column:count;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (ClassCount) TableName() string {
	return "class_counts"
}

// OpenDatabase connects gorm to postgres (dsn) or sqlite (file path).
func OpenDatabase(ctx context.Context, dialect, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn + "?_journal_mode=WAL&_busy_timeout=5000")
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, storageError("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError("access db handle", err)
	}
	if dialect == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, storageError("ping database", err)
	}
	return db, nil
}

// CountRepository keeps counts in a SQL table, one row per label. Increments
// are single UPDATE statements, so the database serializes them.
type CountRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ CountStore = (*CountRepository)(nil)

// NewCountRepository creates a new repository instance.
func NewCountRepository(db *gorm.DB, logger *zap.Logger) *CountRepository {
	return &CountRepository{db: db, logger: logger.Named("count_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *CountRepository) AutoMigrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&ClassCount{}); err != nil {
		return storageError("migrate", err)
	}
	return nil
}

// Read implements CountStore.
func (r *CountRepository) Read(ctx context.Context) (CountRecord, error) {
	var rec CountRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := seed(tx); err != nil {
			return err
		}
		current, err := loadRecord(tx)
		rec = current
		return err
	})
	if err != nil {
		return CountRecord{}, storageError("read counts", err)
	}
	return rec, nil
}

// Increment implements CountStore.
func (r *CountRepository) Increment(ctx context.Context, label verdict.Label) error {
	if err := checkLabel(label); err != nil {
		return err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := seed(tx); err != nil {
			return err
		}
		if _, err := loadRecord(tx); err != nil {
			return err
		}
		res := tx.Model(&ClassCount{}).
			Where("label = ?", label.Key()).
			Updates(map[string]interface{}{
				"count":      gorm.Expr("count + ?", 1),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("updated %d rows for %q", res.RowsAffected, label.Key())
		}
		return nil
	})
	if err != nil {
		return storageError("increment "+label.Key(), err)
	}
	return nil
}

// Close releases the database pool.
func (r *CountRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// loadRecord rejects tables holding anything but one non-negative row per label.
func loadRecord(tx *gorm.DB) (CountRecord, error) {
	var rows []ClassCount
	if err := tx.Find(&rows).Error; err != nil {
		return CountRecord{}, err
	}
	raw := make(map[string]int64, len(rows))
	for _, row := range rows {
		raw[row.Label] = row.Count
	}
	rec, err := recordFromMap(raw)
	if err != nil {
		return CountRecord{}, fmt.Errorf("decode counts: %w", err)
	}
	return rec, nil
}

func seed(tx *gorm.DB) error {
	rows := make([]ClassCount, 0, len(verdict.Labels))
	now := time.Now().UTC()
	for _, l := range verdict.Labels {
		rows = append(rows, ClassCount{Label: l.Key(), UpdatedAt: now})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}
