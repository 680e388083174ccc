package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/types"
)

// ErrRejectedAsSpam aborts a status bundle transaction after the fact,
// rolling everything back as if nothing happened.
var ErrRejectedAsSpam = errors.New("status rejected by quality heuristic")

// tagStaleness is how stale a hashtag's last-used timestamp must be
// before another use advances it, to avoid write amplification from
// bursty reposting.
const tagStaleness = 12 * time.Hour

// StatusBundle is everything committed together with a status.
type StatusBundle struct {
	Status   *types.Status
	Poll     *types.Poll
	Tags     []*types.Tag
	Mentions []*types.Mention
	Quote    *types.Quote
}

// GetStatusByURI returns the status with the given federation URI.
func (s *Store) GetStatusByURI(ctx context.Context, uri string) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Store.GetStatusByURI")
	defer span.End()

	var status types.Status
	err := s.db.WithContext(ctx).Where("uri = ?", uri).First(&status).Error
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *Store) GetStatusByID(ctx context.Context, id string) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Store.GetStatusByID")
	defer span.End()

	var status types.Status
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&status).Error
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateStatusBundle commits a status with its poll, tags, mentions
// and quote in one all-or-nothing transaction. After everything is in
// place abort is consulted; returning true rolls the whole bundle
// back and surfaces ErrRejectedAsSpam, leaving no trace.
func (s *Store) CreateStatusBundle(ctx context.Context, bundle *StatusBundle, abort func(*types.Status) bool) (*types.Status, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateStatusBundle")
	defer span.End()

	status := bundle.Status
	if status.ID == "" {
		status.ID = uuid.New().String()
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if bundle.Poll != nil {
			if bundle.Poll.ID == "" {
				bundle.Poll.ID = uuid.New().String()
			}
			bundle.Poll.StatusID = status.ID
			if err := tx.Create(bundle.Poll).Error; err != nil {
				return err
			}
			status.PollID = &bundle.Poll.ID
		}

		if err := tx.Create(status).Error; err != nil {
			return err
		}

		for _, tag := range bundle.Tags {
			join := types.StatusTag{StatusID: status.ID, TagID: tag.ID}
			if err := tx.Create(&join).Error; err != nil {
				return err
			}
			if tag.LastStatusAt == nil ||
				(tag.LastStatusAt.Before(status.CreatedAt) && tag.LastStatusAt.Before(time.Now().Add(-tagStaleness))) {
				createdAt := status.CreatedAt
				tag.LastStatusAt = &createdAt
				if err := tx.Save(tag).Error; err != nil {
					return err
				}
			}
		}

		for _, mention := range bundle.Mentions {
			if mention.ID == "" {
				mention.ID = uuid.New().String()
			}
			mention.StatusID = status.ID
			if err := tx.Create(mention).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					continue
				}
				return err
			}
		}

		if len(status.MediaAttachmentIDs) > 0 {
			err := tx.Model(&types.MediaAttachment{}).
				Where("id IN ?", []string(status.MediaAttachmentIDs)).
				Update("status_id", status.ID).Error
			if err != nil {
				return err
			}
		}

		if bundle.Quote != nil {
			if bundle.Quote.ID == "" {
				bundle.Quote.ID = uuid.New().String()
			}
			bundle.Quote.StatusID = status.ID
			if err := tx.Create(bundle.Quote).Error; err != nil {
				return err
			}
		}

		if abort != nil && abort(status) {
			return ErrRejectedAsSpam
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// GetMentionByTuple returns the mention of account on status, if any.
func (s *Store) GetMentionByTuple(ctx context.Context, statusID, accountID string) (*types.Mention, error) {
	ctx, span := tracer.Start(ctx, "Store.GetMentionByTuple")
	defer span.End()

	var mention types.Mention
	err := s.db.WithContext(ctx).
		Where("status_id = ? AND account_id = ?", statusID, accountID).
		First(&mention).Error
	if err != nil {
		return nil, err
	}
	return &mention, nil
}

// CreateMention records a mention; a concurrent duplicate is not an
// error, the existing row wins.
func (s *Store) CreateMention(ctx context.Context, mention *types.Mention) error {
	ctx, span := tracer.Start(ctx, "Store.CreateMention")
	defer span.End()

	if mention.ID == "" {
		mention.ID = uuid.New().String()
	}
	err := s.db.WithContext(ctx).Create(mention).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

func (s *Store) UpdateStatusVisibility(ctx context.Context, statusID, visibility string) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateStatusVisibility")
	defer span.End()

	return s.db.WithContext(ctx).
		Model(&types.Status{}).
		Where("id = ?", statusID).
		Update("visibility", visibility).Error
}

// LinkStatusToParent records a resolved reply parent, inheriting the
// parent's conversation when the child has none yet.
func (s *Store) LinkStatusToParent(ctx context.Context, statusID string, parent *types.Status) error {
	ctx, span := tracer.Start(ctx, "Store.LinkStatusToParent")
	defer span.End()

	updates := map[string]any{"in_reply_to_id": parent.ID}
	if parent.ConversationID != nil {
		updates["conversation_id"] = *parent.ConversationID
	}
	return s.db.WithContext(ctx).
		Model(&types.Status{}).
		Where("id = ? AND in_reply_to_id IS NULL", statusID).
		Updates(updates).Error
}

// SavePreviewCard records a crawled link preview.
func (s *Store) SavePreviewCard(ctx context.Context, card *types.PreviewCard) error {
	ctx, span := tracer.Start(ctx, "Store.SavePreviewCard")
	defer span.End()

	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(card).Error
}

// DeleteStatus removes a status and leaves a tombstone so redelivery
// cannot recreate it.
func (s *Store) DeleteStatus(ctx context.Context, status *types.Status) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteStatus")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status_id = ?", status.ID).Delete(&types.Mention{}).Error; err != nil {
			return err
		}
		if err := tx.Where("status_id = ?", status.ID).Delete(&types.StatusTag{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", status.ID).Delete(&types.Status{}).Error; err != nil {
			return err
		}
		tombstone := types.Tombstone{
			ID:        uuid.New().String(),
			URI:       status.URI,
			AccountID: status.AccountID,
		}
		return tx.Create(&tombstone).Error
	})
}

// CreateMediaAttachment records attachment metadata before any bytes
// are fetched, so a failed download never orphans it.
func (s *Store) CreateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) (*types.MediaAttachment, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateMediaAttachment")
	defer span.End()

	if attachment.ID == "" {
		attachment.ID = uuid.New().String()
	}
	err := s.db.WithContext(ctx).Create(attachment).Error
	if err != nil {
		return nil, err
	}
	return attachment, nil
}

func (s *Store) GetMediaAttachment(ctx context.Context, id string) (*types.MediaAttachment, error) {
	ctx, span := tracer.Start(ctx, "Store.GetMediaAttachment")
	defer span.End()

	var attachment types.MediaAttachment
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&attachment).Error
	if err != nil {
		return nil, err
	}
	return &attachment, nil
}

func (s *Store) UpdateMediaAttachment(ctx context.Context, attachment *types.MediaAttachment) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateMediaAttachment")
	defer span.End()

	return s.db.WithContext(ctx).Save(attachment).Error
}

// GetEmoji returns the custom emoji for shortcode on domain.
func (s *Store) GetEmoji(ctx context.Context, shortcode, domain string) (*types.CustomEmoji, error) {
	ctx, span := tracer.Start(ctx, "Store.GetEmoji")
	defer span.End()

	var emoji types.CustomEmoji
	err := s.db.WithContext(ctx).
		Where("shortcode = ? AND domain = ?", shortcode, domain).
		First(&emoji).Error
	if err != nil {
		return nil, err
	}
	return &emoji, nil
}

func (s *Store) SaveEmoji(ctx context.Context, emoji *types.CustomEmoji) error {
	ctx, span := tracer.Start(ctx, "Store.SaveEmoji")
	defer span.End()

	if emoji.ID == "" {
		emoji.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(emoji).Error
}

// GetQuote returns a quote row by ID.
func (s *Store) GetQuote(ctx context.Context, id string) (*types.Quote, error) {
	ctx, span := tracer.Start(ctx, "Store.GetQuote")
	defer span.End()

	var quote types.Quote
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&quote).Error
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func (s *Store) UpdateQuote(ctx context.Context, quote *types.Quote) error {
	ctx, span := tracer.Start(ctx, "Store.UpdateQuote")
	defer span.End()

	return s.db.WithContext(ctx).Save(quote).Error
}
