package activity

import (
	"context"
	"time"

	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

// pollDistributionDelay batches tally redistribution after a vote.
const pollDistributionDelay = 3 * time.Minute

// pollVote checks whether the object is actually a vote on a local
// poll: a reply whose name matches one of the poll's options. Voting
// pre-empts status creation entirely.
func (c *createState) pollVote(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "Activity.PollVote")
	defer span.End()

	replied, err := c.repliedToStatus(ctx)
	if err != nil {
		return false, err
	}
	if replied == nil || replied.PollID == nil {
		return false, nil
	}

	author, err := c.service.store.GetAccountByID(ctx, replied.AccountID)
	if err != nil {
		return false, err
	}
	if !author.IsLocal() {
		return false, nil
	}

	poll, err := c.service.store.GetPollByID(ctx, *replied.PollID)
	if err != nil {
		return false, err
	}

	choice := poll.OptionIndex(c.object.MustGetString("name"))
	if choice < 0 {
		return false, nil
	}

	// A vote on an expired poll is still a vote, just not recorded.
	if poll.Expired() {
		return true, nil
	}

	alreadyVoted := false
	err = c.service.locker.WithLock(ctx, world.LockPrefixVote+poll.ID+":"+c.actor.ID, func(ctx context.Context) error {
		var err error
		alreadyVoted, err = c.service.store.VoteExists(ctx, poll.ID, c.actor.ID)
		if err != nil {
			return err
		}
		return c.service.store.CreateVote(ctx, &types.PollVote{
			PollID:    poll.ID,
			AccountID: c.actor.ID,
			Choice:    choice,
			URI:       c.parser.uri(),
		})
	})
	if err != nil {
		return true, err
	}

	if !alreadyVoted {
		if err := c.service.store.IncrementVotersCount(ctx, poll.ID); err != nil {
			return true, err
		}
	}

	if !poll.HideTotals {
		c.enqueue(ctx, world.JobPollDistribution,
			types.PollDistributionJob{StatusID: replied.ID}, pollDistributionDelay)
	}
	return true, nil
}
