package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/logging"
)

// Open connects to the configured database and migrates the relay schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})

	case "mysql":
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
		)
		dialector = mysql.Open(dsn)

	case "sqlite":
		if err := ensureSQLiteDir(cfg.FilePath); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.FilePath)

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}

	if err := db.AutoMigrate(&MessageModel{}, &UserModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return db, nil
}

// ensureSQLiteDir creates the directory holding a sqlite database file.
func ensureSQLiteDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// GormStore implements MessageStore and UserStore using GORM. Every error it
// returns, other than chat.ErrNotFound, wraps chat.ErrStoreUnavailable.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over an open database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Append persists msg and returns the stored record.
func (s *GormStore) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	model := messageToModel(msg)
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		l := logging.Ctx(ctx)
		l.Error().Err(err).Str(logging.FieldRoom, msg.Room).Msg("failed to append message")
		return chat.Message{}, chat.Unavailable("append message", err)
	}
	return model.ToDomain(), nil
}

// List returns a room's messages oldest first.
func (s *GormStore) List(ctx context.Context, room, sessionID string) ([]chat.Message, error) {
	query := s.db.WithContext(ctx).Where("room = ?", room)
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var models []MessageModel
	if err := query.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, chat.Unavailable("list messages", err)
	}

	out := make([]chat.Message, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

// Last returns the newest message of room.
func (s *GormStore) Last(ctx context.Context, room string) (chat.Message, error) {
	var model MessageModel
	err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("created_at DESC").Order("id DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.Message{}, chat.ErrNotFound
		}
		return chat.Message{}, chat.Unavailable("last message", err)
	}
	return model.ToDomain(), nil
}

// DeleteRoom removes all messages of room.
func (s *GormStore) DeleteRoom(ctx context.Context, room string) error {
	if err := s.db.WithContext(ctx).Where("room = ?", room).Delete(&MessageModel{}).Error; err != nil {
		return chat.Unavailable("delete room", err)
	}
	return nil
}

// FindBySession looks a user up by session id.
func (s *GormStore) FindBySession(ctx context.Context, sessionID string) (chat.User, error) {
	return s.findUser(ctx, "session_id = ?", sessionID)
}

// FindByDisplayName looks a user up by display name.
func (s *GormStore) FindByDisplayName(ctx context.Context, displayName string) (chat.User, error) {
	return s.findUser(ctx, "display_name = ?", displayName)
}

func (s *GormStore) findUser(ctx context.Context, cond string, arg string) (chat.User, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where(cond, arg).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.User{}, chat.ErrNotFound
		}
		return chat.User{}, chat.Unavailable("find user", err)
	}
	return model.ToDomain(), nil
}

// Create inserts a new user.
func (s *GormStore) Create(ctx context.Context, u chat.User) (chat.User, error) {
	model := &UserModel{
		ID:          uuid.New().String(),
		SessionID:   u.SessionID,
		DisplayName: nullable(u.DisplayName),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return chat.User{}, chat.Unavailable("create user", err)
	}
	return model.ToDomain(), nil
}

// Touch upserts the session row.
func (s *GormStore) Touch(ctx context.Context, sessionID, displayName string) error {
	model := &UserModel{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		DisplayName: nullable(displayName),
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoNothing: true,
	}
	if displayName != "" {
		onConflict = clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name"}),
		}
	}

	if err := s.db.WithContext(ctx).Clauses(onConflict).Create(model).Error; err != nil {
		return chat.Unavailable("touch user", err)
	}
	return nil
}

// Users returns all users, oldest first.
func (s *GormStore) Users(ctx context.Context) ([]chat.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, chat.Unavailable("list users", err)
	}
	out := make([]chat.User, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}
