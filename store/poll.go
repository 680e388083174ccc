package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-core/types"
)

// ErrTooManyConflicts is returned when an optimistic write keeps
// losing against concurrent writers.
var ErrTooManyConflicts = errors.New("too many optimistic lock conflicts")

const maxOptimisticAttempts = 5

// withOptimisticRetry runs op until it reports success or the attempt
// budget is exhausted. op returns false to signal a stale-version
// conflict worth retrying.
func withOptimisticRetry(maxAttempts int, op func() (bool, error)) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		done, err := op()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrTooManyConflicts
}

// GetPollByStatusID returns the poll attached to a status.
func (s *Store) GetPollByStatusID(ctx context.Context, statusID string) (*types.Poll, error) {
	ctx, span := tracer.Start(ctx, "Store.GetPollByStatusID")
	defer span.End()

	var poll types.Poll
	err := s.db.WithContext(ctx).Where("status_id = ?", statusID).First(&poll).Error
	if err != nil {
		return nil, err
	}
	return &poll, nil
}

func (s *Store) GetPollByID(ctx context.Context, id string) (*types.Poll, error) {
	ctx, span := tracer.Start(ctx, "Store.GetPollByID")
	defer span.End()

	var poll types.Poll
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&poll).Error
	if err != nil {
		return nil, err
	}
	return &poll, nil
}

// VoteExists reports whether the account has voted on the poll.
func (s *Store) VoteExists(ctx context.Context, pollID, accountID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.VoteExists")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&types.PollVote{}).
		Where("poll_id = ? AND account_id = ?", pollID, accountID).
		Count(&count).Error
	return count > 0, err
}

// CreateVote records one vote. Redelivered duplicates collapse on the
// unique (poll, account, choice) index.
func (s *Store) CreateVote(ctx context.Context, vote *types.PollVote) error {
	ctx, span := tracer.Start(ctx, "Store.CreateVote")
	defer span.End()

	if vote.ID == "" {
		vote.ID = uuid.New().String()
	}
	err := s.db.WithContext(ctx).Create(vote).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// IncrementVotersCount bumps the poll's voter count under optimistic
// concurrency: many votes may race on one poll, so the increment is a
// read-modify-write retried on a stale version.
func (s *Store) IncrementVotersCount(ctx context.Context, pollID string) error {
	ctx, span := tracer.Start(ctx, "Store.IncrementVotersCount")
	defer span.End()

	return withOptimisticRetry(maxOptimisticAttempts, func() (bool, error) {
		var poll types.Poll
		if err := s.db.WithContext(ctx).Where("id = ?", pollID).First(&poll).Error; err != nil {
			return false, err
		}
		if poll.VotersCount == nil {
			return true, nil
		}

		next := *poll.VotersCount + 1
		result := s.db.WithContext(ctx).
			Model(&types.Poll{}).
			Where("id = ? AND version = ?", pollID, poll.Version).
			Updates(map[string]any{
				"voters_count": next,
				"version":      poll.Version + 1,
			})
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected > 0, nil
	})
}
