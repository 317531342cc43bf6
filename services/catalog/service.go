package catalog

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"nightowl-rewards/pkg/errutil"
)

// Service holds the registry of point-earning actions. The catalog is
// code-defined and loaded at startup; Register exists so other modules can
// contribute actions (badge rewards, referral milestones) during wiring.
type Service struct {
	mu      sync.RWMutex
	actions map[string]Definition
	logger  *zap.Logger
}

type ServiceParams struct {
	fx.In

	Logger *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}

	svc := &Service{
		actions: make(map[string]Definition),
		logger:  logger,
	}

	for _, def := range Defaults() {
		svc.actions[def.ActionID] = def
	}

	return svc
}

// Defaults returns the built-in action catalog.
func Defaults() []Definition {
	return []Definition{
		{ActionID: "venue_saved", Points: 5, Repeatable: true, Description: "Saved a venue to a list"},
		{ActionID: "venue_shared", Points: 5, Repeatable: true, Description: "Shared a venue with a friend"},
		{ActionID: "ticket_used", Points: 10, Repeatable: true, Description: "Checked in with a ticket"},
		{ActionID: "story_created", Points: 10, Repeatable: true, Description: "Posted a story"},
		{ActionID: "friend_added", Points: 5, Repeatable: true, Description: "Added a friend"},
		{ActionID: "daily_checkin", Points: 5, Repeatable: true, Description: "Daily app check-in"},
		{ActionID: "profile_completed", Points: 25, Repeatable: false, Description: "Completed the profile"},
		{ActionID: "first_ticket", Points: 50, Repeatable: false, Description: "Used a ticket for the first time"},
		{ActionID: "first_story", Points: 20, Repeatable: false, Description: "Posted the first story"},
		{ActionID: "referral_redeemed", Points: 100, Repeatable: false, Description: "Joined with a referral code"},
		{ActionID: "referral_milestone_profile_completed", Points: 50, Repeatable: true, Description: "A referred friend completed their profile"},
		{ActionID: "referral_milestone_first_story", Points: 25, Repeatable: true, Description: "A referred friend posted their first story"},
		{ActionID: "referral_milestone_first_ticket", Points: 25, Repeatable: true, Description: "A referred friend used their first ticket"},
	}
}

// Resolve returns the definition for actionID.
func (s *Service) Resolve(actionID string) (Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.actions[actionID]
	if !ok {
		return Definition{}, errutil.NotFound(fmt.Sprintf("unknown action %q", actionID), nil)
	}
	return def, nil
}

// Register adds or replaces an action definition.
func (s *Service) Register(def Definition) error {
	if def.ActionID == "" {
		return errutil.BadRequest("action_id is required", nil)
	}
	if def.Points < 0 {
		return errutil.BadRequest("points must not be negative", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.actions[def.ActionID]; exists {
		s.logger.Debug("overriding action definition", zap.String("action_id", def.ActionID))
	}
	s.actions[def.ActionID] = def
	return nil
}

// List returns every registered action sorted by action ID.
func (s *Service) List() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Definition, 0, len(s.actions))
	for _, def := range s.actions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}
