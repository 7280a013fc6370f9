package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/guarzo/lineapi/common/encrypt"
	"github.com/guarzo/lineapi/common/model"
)

// tokenModel is one row per channel. Secrets are sealed with the store key.
type tokenModel struct {
	ChannelID    string `gorm:"column:channel_id;primarykey"`
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	IssuedAt     time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (tokenModel) TableName() string {
	return "line_access_tokens"
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the current token of one channel in a gorm database,
// encrypted at rest.
type SQLiteStore struct {
	db        *gorm.DB
	key       []byte
	channelID string
}

// NewSQLiteStore migrates the token table and returns a store for channelID.
// key must be encrypt.KeySize bytes.
func NewSQLiteStore(db *gorm.DB, key []byte, channelID string) (*SQLiteStore, error) {
	if len(key) != encrypt.KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes, got %d", encrypt.KeySize, len(key))
	}
	if channelID == "" {
		return nil, errors.New("channel id is required")
	}
	if err := db.AutoMigrate(&tokenModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLiteStore{db: db, key: key, channelID: channelID}, nil
}

func (s *SQLiteStore) Current(ctx context.Context) (*model.AccessToken, error) {
	var row tokenModel
	err := s.db.WithContext(ctx).Where("channel_id = ?", s.channelID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	token := &model.AccessToken{
		TokenType: row.TokenType,
		Scope:     row.Scope,
		ExpiresIn: row.ExpiresIn,
		CreatedAt: row.IssuedAt,
	}
	if err := encrypt.Open(row.AccessToken, s.key, &token.Value); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if err := encrypt.Open(row.RefreshToken, s.key, &token.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if err := encrypt.Open(row.IDToken, s.key, &token.IDToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt id token: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) SetCurrent(ctx context.Context, token *model.AccessToken) error {
	if token == nil {
		return s.RemoveCurrent(ctx)
	}
	row := &tokenModel{
		ChannelID: s.channelID,
		TokenType: token.TokenType,
		Scope:     token.Scope,
		ExpiresIn: token.ExpiresIn,
		IssuedAt:  token.CreatedAt,
	}
	var err error
	if row.AccessToken, err = encrypt.Seal(token.Value, s.key); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if row.RefreshToken, err = encrypt.Seal(token.RefreshToken, s.key); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if row.IDToken, err = encrypt.Seal(token.IDToken, s.key); err != nil {
		return fmt.Errorf("failed to encrypt id token: %w", err)
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveCurrent(ctx context.Context) error {
	err := s.db.WithContext(ctx).Where("channel_id = ?", s.channelID).Delete(&tokenModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}
