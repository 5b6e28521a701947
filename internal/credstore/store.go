package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
	"github.com/blipline/blipline/pkg/common"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store persists protocol credentials as encrypted blobs in each tenant's
// session row. XChaCha20-Poly1305, random nonce prepended to the ciphertext.
type Store struct {
	router *tenantdb.Router
	aead   cipher.AEAD
}

// NewStore builds a Store from a base64 encoded 32 byte key.
func NewStore(router *tenantdb.Router, keyB64 string) (*Store, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, errors.Wrap(err, "decode credential key")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init credential cipher")
	}
	return &Store{router: router, aead: aead}, nil
}

// Load returns the tenant's stored credentials. A missing row, an empty blob
// or a blob that fails to decrypt or decode all yield fresh unregistered
// credentials, so a wiped or corrupted record degrades to re-pairing instead
// of blocking the session. Infrastructure failures still surface as errors.
func (s *Store) Load(ctx context.Context, tenantID int64) (*protocol.Credentials, error) {
	models, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var session domain.ProtocolSession
	err = models.Sessions().Where("tenant_id = ?", tenantID).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return protocol.Fresh(), nil
		}
		return nil, domain.NewUnavailableError("credential load", err)
	}
	if len(session.Credentials) == 0 {
		return protocol.Fresh(), nil
	}

	creds, err := s.open(session.Credentials)
	if err != nil {
		zap.L().Warn("stored credentials unreadable, forcing re-pair",
			zap.Int64("tenant_id", tenantID), zap.Error(err))
		return protocol.Fresh(), nil
	}
	return creds, nil
}

// Save seals and persists the credentials, creating the session row when none
// exists yet.
func (s *Store) Save(ctx context.Context, tenantID int64, creds *protocol.Credentials) error {
	blob, err := s.seal(creds)
	if err != nil {
		return &domain.EncryptionError{Err: err}
	}

	models, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}

	result := models.Sessions().Where("tenant_id = ?", tenantID).
		Update("credentials", blob)
	if result.Error != nil {
		return domain.NewUnavailableError("credential save", result.Error)
	}
	if result.RowsAffected == 0 {
		session := domain.ProtocolSession{
			ID:          common.UUIDint64(),
			TenantID:    tenantID,
			Status:      domain.SessionDisconnected,
			Credentials: blob,
		}
		if err := models.Sessions().Create(&session).Error; err != nil {
			return domain.NewUnavailableError("credential save", err)
		}
	}
	return nil
}

// Clear wipes the stored blob. The next Load yields fresh credentials.
func (s *Store) Clear(ctx context.Context, tenantID int64) error {
	models, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	err = models.Sessions().Where("tenant_id = ?", tenantID).
		Update("credentials", []byte(nil)).Error
	if err != nil {
		return domain.NewUnavailableError("credential clear", err)
	}
	return nil
}

func (s *Store) seal(creds *protocol.Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) open(blob []byte) (*protocol.Credentials, error) {
	if len(blob) < s.aead.NonceSize() {
		return nil, errors.New("blob shorter than nonce")
	}
	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	var creds protocol.Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return &creds, nil
}
