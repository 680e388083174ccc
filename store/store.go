package store

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/types"
)

var tracer = otel.Tracer("store")

// Store is the persistence layer of the federation core.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetAccountByURI returns the account with the given federation URI.
func (s *Store) GetAccountByURI(ctx context.Context, uri string) (*types.Account, error) {
	ctx, span := tracer.Start(ctx, "Store.GetAccountByURI")
	defer span.End()

	var account types.Account
	err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*types.Account, error) {
	ctx, span := tracer.Start(ctx, "Store.GetAccountByID")
	defer span.End()

	var account types.Account
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetLocalAccountByUsername returns the local account with the given
// username.
func (s *Store) GetLocalAccountByUsername(ctx context.Context, username string) (*types.Account, error) {
	ctx, span := tracer.Start(ctx, "Store.GetLocalAccountByUsername")
	defer span.End()

	var account types.Account
	err := s.db.WithContext(ctx).
		Where("username = ? AND domain = ''", username).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateAccount persists a newly resolved actor.
func (s *Store) CreateAccount(ctx context.Context, account *types.Account) (*types.Account, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateAccount")
	defer span.End()

	if account.ID == "" {
		account.ID = uuid.New().String()
	}

	err := s.db.WithContext(ctx).Create(account).Error
	if err != nil {
		// A concurrent delivery may have resolved the same actor.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.GetAccountByURI(ctx, account.URI)
		}
		return nil, err
	}
	return account, nil
}

func (s *Store) UpdateAccount(ctx context.Context, account *types.Account) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateAccount")
	defer span.End()

	return s.db.WithContext(ctx).Save(account).Error
}

// CountLocalAccountsByURIs counts local accounts among the given
// audience URIs.
func (s *Store) CountLocalAccountsByURIs(ctx context.Context, uris []string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.CountLocalAccountsByURIs")
	defer span.End()

	if len(uris) == 0 {
		return 0, nil
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Account{}).
		Where("uri IN ? AND domain = ''", uris).
		Count(&count).Error
	return count, err
}

// PrivateKey loads and parses the signing key of a local actor.
func (s *Store) PrivateKey(ctx context.Context, account *types.Account) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(account.Privatekey))
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DER encoded private key")
	}

	return priv, nil
}

// TombstoneExists reports whether the object URI was deliberately
// deleted before.
func (s *Store) TombstoneExists(ctx context.Context, uri string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.TombstoneExists")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Tombstone{}).
		Where("uri = ?", uri).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) CreateTombstone(ctx context.Context, uri, accountID string) error {
	ctx, span := tracer.Start(ctx, "Store.CreateTombstone")
	defer span.End()

	tombstone := types.Tombstone{
		ID:        uuid.New().String(),
		URI:       uri,
		AccountID: accountID,
	}
	err := s.db.WithContext(ctx).Create(&tombstone).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// FindOrCreateConversation returns the conversation with the given
// URI, creating it when absent. A creation race simply retries the
// lookup.
func (s *Store) FindOrCreateConversation(ctx context.Context, uri string) (*types.Conversation, error) {
	ctx, span := tracer.Start(ctx, "Store.FindOrCreateConversation")
	defer span.End()

	var conversation types.Conversation
	err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&conversation).Error
	if err == nil {
		return &conversation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conversation = types.Conversation{ID: uuid.New().String(), URI: uri}
	err = s.db.WithContext(ctx).Create(&conversation).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = s.db.WithContext(ctx).Where("uri = ?", uri).First(&conversation).Error
	}
	if err != nil {
		return nil, err
	}
	return &conversation, nil
}

// FindOrCreateTag returns the case-normalized hashtag, creating it
// when absent.
func (s *Store) FindOrCreateTag(ctx context.Context, name string) (*types.Tag, error) {
	ctx, span := tracer.Start(ctx, "Store.FindOrCreateTag")
	defer span.End()

	name = strings.ToLower(strings.TrimPrefix(name, "#"))
	if name == "" {
		return nil, errors.New("empty tag name")
	}

	var tag types.Tag
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&tag).Error
	if err == nil {
		return &tag, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tag = types.Tag{ID: uuid.New().String(), Name: name}
	err = s.db.WithContext(ctx).Create(&tag).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = s.db.WithContext(ctx).Where("name = ?", name).First(&tag).Error
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// IsMediaRejected reports whether media downloads from the domain are
// administratively disabled.
func (s *Store) IsMediaRejected(ctx context.Context, domain string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.IsMediaRejected")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.DomainBlock{}).
		Where("domain = ? AND reject_media = ?", domain, true).
		Count(&count).Error
	return count > 0, err
}

// IsFollowing reports whether account follows target.
func (s *Store) IsFollowing(ctx context.Context, accountID, targetAccountID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.IsFollowing")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Follow{}).
		Where("account_id = ? AND target_account_id = ?", accountID, targetAccountID).
		Count(&count).Error
	return count > 0, err
}

// HasLocalFollowers reports whether any local account follows the
// given account.
func (s *Store) HasLocalFollowers(ctx context.Context, accountID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.HasLocalFollowers")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.Follow{}).
		Joins("JOIN accounts ON accounts.id = follows.account_id").
		Where("follows.target_account_id = ? AND accounts.domain = ''", accountID).
		Count(&count).Error
	return count > 0, err
}

// ListLocalFollowerIDs returns the local accounts following the given
// account, for feed distribution.
func (s *Store) ListLocalFollowerIDs(ctx context.Context, accountID string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListLocalFollowerIDs")
	defer span.End()

	var ids []string
	err := s.db.WithContext(ctx).
		Model(&types.Follow{}).
		Joins("JOIN accounts ON accounts.id = follows.account_id").
		Where("follows.target_account_id = ? AND accounts.domain = ''", accountID).
		Pluck("follows.account_id", &ids).Error
	return ids, err
}

// ListFollowerInboxes returns the distinct remote inboxes of the
// given account's followers, preferring shared inboxes.
func (s *Store) ListFollowerInboxes(ctx context.Context, accountID string, exclude ...string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListFollowerInboxes")
	defer span.End()

	var followers []types.Account
	err := s.db.WithContext(ctx).
		Joins("JOIN follows ON follows.account_id = accounts.id").
		Where("follows.target_account_id = ? AND accounts.domain != ''", accountID).
		Find(&followers).Error
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, inbox := range exclude {
		excluded[inbox] = true
	}

	seen := make(map[string]bool)
	inboxes := make([]string, 0, len(followers))
	for _, follower := range followers {
		inbox := follower.SharedInboxURL
		if inbox == "" {
			inbox = follower.InboxURL
		}
		if inbox == "" || seen[inbox] || excluded[inbox] {
			continue
		}
		seen[inbox] = true
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}
