package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"civicsync-be/models"
	"civicsync-be/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Every engagement change feeds the urgency score, so each of these
// recomputes it before saving.

// Vote records or replaces a user's vote. The counters are recomputed from
// the vote collection so they always equal the stored tally. The vote is
// put back as it was when the issue cannot be saved.
func (s *Service) Vote(ctx context.Context, id, user primitive.ObjectID, kind models.VoteType) (*models.Issue, error) {
	if kind != models.VoteUp && kind != models.VoteDown {
		return nil, fmt.Errorf("%w: vote type %q", ErrInvalidReport, kind)
	}
	return s.mutateWith(ctx, id, func(issue *models.Issue, undo *rollback) ([]Event, error) {
		if issue.Archived {
			return nil, ErrArchived
		}
		prev, err := s.findVote(ctx, id, user)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		vote := models.Vote{Issue: id, User: user, Type: kind, CreatedAt: now, UpdatedAt: now}
		if err := s.issues.UpsertVote(ctx, vote); err != nil {
			return nil, fmt.Errorf("upsert vote: %w", err)
		}
		undo.add("vote", func(ctx context.Context) error { return s.restoreVote(ctx, id, user, prev) })
		if err := s.retally(ctx, issue); err != nil {
			return nil, err
		}
		return []Event{{Type: EventVoteCast, Actor: user, Notes: string(kind), OccurredAt: now}}, nil
	})
}

// RemoveVote withdraws a user's vote. Removing a missing vote is a no-op.
func (s *Service) RemoveVote(ctx context.Context, id, user primitive.ObjectID) (*models.Issue, error) {
	return s.mutateWith(ctx, id, func(issue *models.Issue, undo *rollback) ([]Event, error) {
		if issue.Archived {
			return nil, ErrArchived
		}
		prev, err := s.findVote(ctx, id, user)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := s.issues.DeleteVote(ctx, id, user); err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("delete vote: %w", err)
			}
			undo.add("vote", func(ctx context.Context) error { return s.restoreVote(ctx, id, user, prev) })
		}
		return nil, s.retally(ctx, issue)
	})
}

func (s *Service) findVote(ctx context.Context, id, user primitive.ObjectID) (*models.Vote, error) {
	vote, err := s.issues.FindVote(ctx, id, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return vote, nil
}

// restoreVote puts a user's vote back to prev, or removes it when there was none.
func (s *Service) restoreVote(ctx context.Context, id, user primitive.ObjectID, prev *models.Vote) error {
	if prev != nil {
		return s.issues.UpsertVote(ctx, *prev)
	}
	err := s.issues.DeleteVote(ctx, id, user)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) retally(ctx context.Context, issue *models.Issue) error {
	tally, err := s.issues.TallyVotes(ctx, issue.ID)
	if err != nil {
		return fmt.Errorf("tally votes: %w", err)
	}
	issue.Upvotes = tally.Up
	issue.Downvotes = tally.Down
	issue.UpdatedAt = s.clock.Now()
	s.machine.RecomputeUrgency(issue)
	return nil
}

// Follow subscribes a user to an issue's notifications.
func (s *Service) Follow(ctx context.Context, id, user primitive.ObjectID) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		if issue.IsFollowedBy(user) {
			return nil, nil
		}
		issue.Followers = append(issue.Followers, user)
		issue.UpdatedAt = s.clock.Now()
		s.machine.RecomputeUrgency(issue)
		return []Event{{Type: EventFollowerAdded, Actor: user, OccurredAt: issue.UpdatedAt}}, nil
	})
}

// Unfollow removes a user from the followers.
func (s *Service) Unfollow(ctx context.Context, id, user primitive.ObjectID) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		kept := issue.Followers[:0]
		for _, f := range issue.Followers {
			if f != user {
				kept = append(kept, f)
			}
		}
		issue.Followers = kept
		issue.UpdatedAt = s.clock.Now()
		s.machine.RecomputeUrgency(issue)
		return nil, nil
	})
}

// AddComment appends a comment. Internal comments are staff notes.
func (s *Service) AddComment(ctx context.Context, id, author primitive.ObjectID, text string, internal bool) (*models.Issue, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: comment text is required", ErrInvalidReport)
	}
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		if issue.Archived {
			return nil, ErrArchived
		}
		now := s.clock.Now()
		issue.Comments = append(issue.Comments, models.Comment{
			ID:        primitive.NewObjectID(),
			Author:    author,
			Text:      text,
			Internal:  internal,
			CreatedAt: now,
		})
		issue.UpdatedAt = now
		s.machine.RecomputeUrgency(issue)
		return []Event{{Type: EventCommentAdded, Actor: author, Notes: text, OccurredAt: now}}, nil
	})
}

// RecordView bumps the view counter.
func (s *Service) RecordView(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		issue.ViewCount++
		s.machine.RecomputeUrgency(issue)
		return nil, nil
	})
}

// RecordShare bumps the share counter.
func (s *Service) RecordShare(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	return s.mutate(ctx, id, func(issue *models.Issue) ([]Event, error) {
		issue.ShareCount++
		s.machine.RecomputeUrgency(issue)
		return nil, nil
	})
}
