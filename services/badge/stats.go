package badge

import (
	"context"

	"nightowl-rewards/pkg/errutil"
)

// Stats is the snapshot of a user's progress counters that badge predicates
// run against.
type Stats map[string]any

// collectStats gathers every stat badge predicates can reference. All values
// are int64 so they line up with the CEL int declarations.
func (s *Service) collectStats(ctx context.Context, userID string) (Stats, error) {
	account, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	current, err := s.streak.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	referrals, err := s.referral.CountByReferrer(ctx, userID)
	if err != nil {
		return nil, errutil.Internal("failed to count referrals", err)
	}

	stats := Stats{
		StatTotalPoints:   account.TotalPoints,
		StatLevel:         int64(account.Level),
		StatCurrentStreak: int64(current.CurrentStreak),
		StatLongestStreak: int64(current.LongestStreak),
		StatReferrals:     referrals,
	}

	counts := map[string]string{
		StatVenuesSaved:    "venue_saved",
		StatVenuesShared:   "venue_shared",
		StatTicketsUsed:    "ticket_used",
		StatStoriesCreated: "story_created",
		StatFriendsAdded:   "friend_added",
	}
	for stat, actionID := range counts {
		n, err := s.ledger.CountByAction(ctx, userID, actionID)
		if err != nil {
			return nil, errutil.Internal("failed to count actions", err)
		}
		stats[stat] = n
	}

	distinct, err := s.ledger.DistinctMetadataValues(ctx, userID, "ticket_used", "venue_id")
	if err != nil {
		return nil, err
	}
	stats[StatDistinctVenues] = distinct

	return stats, nil
}
