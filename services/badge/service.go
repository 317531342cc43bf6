package badge

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nightowl-rewards/pkg/errutil"
	"nightowl-rewards/pkg/repository"
	"nightowl-rewards/services/catalog"
	"nightowl-rewards/services/ledger"
	"nightowl-rewards/services/referral"
	"nightowl-rewards/services/streak"
)

const catalogCacheTTL = time.Minute

// Service evaluates the badge catalog against user stats and records awards.
type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	badges     repository.Repository[Badge]
	userBadges repository.Repository[UserBadge]
	ledger     *ledger.Service
	streak     *streak.Service
	referral   *referral.Service
	cache      *CatalogCache
	logger     *zap.Logger
}

type ServiceParams struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Streak   *streak.Service
	Referral *referral.Service
	Logger   *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		badges:     repository.ProvideStore[Badge](p.DB),
		userBadges: repository.ProvideStore[UserBadge](p.DB),
		ledger:     p.Ledger,
		streak:     p.Streak,
		referral:   p.Referral,
		cache:      NewCatalogCache(catalogCacheTTL),
		logger:     logger,
	}
}

// Seed inserts the default catalog (skipping badges that already exist) and
// registers each badge's bonus action with the action catalog.
func (s *Service) Seed(ctx context.Context, actions *catalog.Service) error {
	for _, b := range DefaultCatalog() {
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "slug"}}, DoNothing: true}).
			Create(&b).Error; err != nil {
			return errutil.Internal("failed to seed badge catalog", err)
		}
	}

	existing, err := s.badges.Find(ctx, &Badge{})
	if err != nil {
		return errutil.Internal("failed to load badge catalog", err)
	}
	for _, b := range existing {
		if b.PointsReward <= 0 {
			continue
		}
		if err := actions.Register(catalog.Definition{
			ActionID:    b.RewardActionID(),
			Points:      b.PointsReward,
			Repeatable:  false,
			Description: "Earned the " + b.Name + " badge",
		}); err != nil {
			return err
		}
	}

	s.cache.Invalidate()
	return nil
}

func (s *Service) compiledCatalog(ctx context.Context) (*CompiledCatalog, error) {
	return s.cache.GetOrLoad(func() (*CompiledCatalog, error) {
		rows, err := s.badges.Find(ctx, &Badge{})
		if err != nil {
			return nil, errutil.Internal("failed to load badge catalog", err)
		}

		env, err := newEnv()
		if err != nil {
			return nil, errutil.Internal("failed to build badge env", err)
		}

		compiled := make([]*CompiledBadge, 0, len(rows))
		for _, b := range rows {
			cb, err := compile(env, *b)
			if err != nil {
				// A badge with a broken predicate should not take down
				// evaluation for the rest of the catalog.
				s.logger.Error("skipping badge with invalid predicate",
					zap.String("slug", b.Slug), zap.Error(err))
				continue
			}
			compiled = append(compiled, cb)
		}

		return &CompiledCatalog{Badges: compiled, UpdatedAt: time.Now()}, nil
	})
}

// Evaluate checks every badge the user has not yet earned and awards the
// ones whose predicates now hold. Returns the newly awarded badges.
func (s *Service) Evaluate(ctx context.Context, userID string) ([]*UserBadge, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	cat, err := s.compiledCatalog(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := s.collectStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	held, err := s.userBadges.Find(ctx, &UserBadge{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load user badges", err)
	}
	earned := make(map[string]bool, len(held))
	for _, ub := range held {
		earned[ub.BadgeSlug] = true
	}

	var awarded []*UserBadge
	for _, cb := range cat.Badges {
		if earned[cb.Badge.Slug] {
			continue
		}

		matched, err := cb.evaluate(stats)
		if err != nil {
			s.logger.Error("badge evaluation failed",
				zap.String("slug", cb.Badge.Slug), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		ub, err := s.award(ctx, userID, cb.Badge)
		if err != nil {
			return nil, err
		}
		if ub != nil {
			awarded = append(awarded, ub)
		}
	}

	return awarded, nil
}

// award records the badge and pays its bonus in one transaction. A
// concurrent evaluation may have gotten there first; that is not an error.
func (s *Service) award(ctx context.Context, userID string, b Badge) (*UserBadge, error) {
	ub := &UserBadge{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		BadgeSlug: b.Slug,
	}

	var applied bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}, {Name: "badge_slug"}},
				DoNothing: true,
			}).
			Create(ub)
		if res.Error != nil {
			return errutil.Internal("failed to record badge", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if b.PointsReward <= 0 {
			return nil
		}
		_, err := s.ledger.AwardTx(ctx, tx, ledger.AwardParams{
			UserID:   userID,
			ActionID: b.RewardActionID(),
			Points:   b.PointsReward,
			DedupKey: ledger.OnceKey(userID, b.RewardActionID()),
			Metadata: map[string]any{"badge": b.Slug},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, nil
	}

	s.logger.Info("badge awarded",
		zap.String("user_id", userID),
		zap.String("badge", b.Slug),
		zap.String("rarity", b.Rarity),
	)
	return ub, nil
}

// Progress describes how close a user is to a badge.
type Progress struct {
	Badge     Badge      `json:"badge"`
	Earned    bool       `json:"earned"`
	AwardedAt *time.Time `json:"awarded_at,omitempty"`
	Current   int64      `json:"current"`
	Target    int64      `json:"target"`
}

// GetProgress returns per-badge progress for the user, earned badges first,
// then by slug.
func (s *Service) GetProgress(ctx context.Context, userID string) ([]Progress, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	cat, err := s.compiledCatalog(ctx)
	if err != nil {
		return nil, err
	}

	stats, err := s.collectStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	held, err := s.userBadges.Find(ctx, &UserBadge{UserID: userID})
	if err != nil {
		return nil, errutil.Internal("failed to load user badges", err)
	}
	awardedAt := make(map[string]time.Time, len(held))
	for _, ub := range held {
		awardedAt[ub.BadgeSlug] = ub.AwardedAt
	}

	out := make([]Progress, 0, len(cat.Badges))
	for _, cb := range cat.Badges {
		b := cb.Badge

		var current int64
		if v, ok := stats[b.Stat].(int64); ok {
			current = v
		}
		if current > b.Threshold {
			current = b.Threshold
		}

		p := Progress{Badge: b, Current: current, Target: b.Threshold}
		if at, ok := awardedAt[b.Slug]; ok {
			p.Earned = true
			p.AwardedAt = &at
			p.Current = b.Threshold
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Earned != out[j].Earned {
			return out[i].Earned
		}
		return out[i].Badge.Slug < out[j].Badge.Slug
	})
	return out, nil
}

// ListEarned returns the user's earned badges.
func (s *Service) ListEarned(ctx context.Context, userID string) ([]*UserBadge, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	return s.userBadges.Find(ctx, &UserBadge{UserID: userID})
}
