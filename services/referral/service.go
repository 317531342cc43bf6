package referral

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nightowl-rewards/pkg/config"
	"nightowl-rewards/pkg/errutil"
	"nightowl-rewards/pkg/repository"
	"nightowl-rewards/pkg/sequence"
	"nightowl-rewards/services/catalog"
	"nightowl-rewards/services/ledger"
)

const (
	welcomeBonusAction = "referral_redeemed"
	milestonePrefix    = "referral_milestone_"
	issueCodeAttempts  = 5
)

// Service owns referral codes, redemptions, and milestone payouts.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	generator sequence.Generator
	codes     repository.Repository[Code]
	referrals repository.Repository[Referral]
	catalog   *catalog.Service
	ledger    *ledger.Service
	logger    *zap.Logger

	maxUses int
	codeTTL time.Duration
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Generator sequence.Generator
	Catalog   *catalog.Service
	Ledger    *ledger.Service
	Config    *config.Config
	Logger    *zap.Logger `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}

	var maxUses int
	var codeTTL time.Duration
	if p.Config != nil {
		maxUses = p.Config.Rewards.ReferralMaxUses
		codeTTL = p.Config.Rewards.ReferralCodeTTL
	}

	return &Service{
		db:        p.DB,
		node:      p.Node,
		generator: p.Generator,
		codes:     repository.ProvideStore[Code](p.DB),
		referrals: repository.ProvideStore[Referral](p.DB),
		catalog:   p.Catalog,
		ledger:    p.Ledger,
		logger:    logger,
		maxUses:   maxUses,
		codeTTL:   codeTTL,
	}
}

// IssueCode returns the user's referral code, creating one on first call.
// Repeated calls return the same code.
func (s *Service) IssueCode(ctx context.Context, referrerID string) (*Code, error) {
	if referrerID == "" {
		return nil, errutil.BadRequest("referrer_id is required", nil)
	}

	existing, err := s.codes.FindOne(ctx, &Code{ReferrerID: referrerID})
	if err != nil {
		return nil, errutil.Internal("failed to look up referral code", err)
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < issueCodeAttempts; attempt++ {
		value, err := s.generator.NextReferralCode(ctx)
		if err != nil {
			return nil, errutil.Internal("failed to generate referral code", err)
		}

		code := &Code{
			Code:       value,
			ReferrerID: referrerID,
			IsActive:   true,
		}
		if s.maxUses > 0 {
			maxUses := s.maxUses
			code.MaxUses = &maxUses
		}
		if s.codeTTL > 0 {
			expiresAt := time.Now().UTC().Add(s.codeTTL)
			code.ExpiresAt = &expiresAt
		}

		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(code)
		if res.Error != nil {
			return nil, errutil.Internal("failed to store referral code", res.Error)
		}
		if res.RowsAffected > 0 {
			return code, nil
		}

		// Conflict: either a concurrent issue for the same referrer won, or
		// the generated code value collided. Re-check the referrer first.
		existing, err := s.codes.FindOne(ctx, &Code{ReferrerID: referrerID})
		if err != nil {
			return nil, errutil.Internal("failed to look up referral code", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	return nil, errutil.Internal("failed to allocate a unique referral code", nil)
}

// GetCode returns the referrer's code, or nil when none has been issued.
func (s *Service) GetCode(ctx context.Context, referrerID string) (*Code, error) {
	if referrerID == "" {
		return nil, errutil.BadRequest("referrer_id is required", nil)
	}
	return s.codes.FindOne(ctx, &Code{ReferrerID: referrerID})
}

// RedeemResult reports the outcome of a redemption attempt. Failed attempts
// carry a Reason instead of an error so callers can show the user why.
type RedeemResult struct {
	Success  bool      `json:"success"`
	Reason   string    `json:"reason,omitempty"`
	Referral *Referral `json:"referral,omitempty"`
}

var errRedeemRollback = errors.New("redeem rolled back")

// Redeem links referredID to the owner of code and pays the referred user
// their welcome bonus, all in one transaction. Business rejections (bad
// code, exhausted, already referred) come back as a failed RedeemResult,
// not an error.
func (s *Service) Redeem(ctx context.Context, codeValue, referredID string) (*RedeemResult, error) {
	if codeValue == "" {
		return nil, errutil.BadRequest("code is required", nil)
	}
	if referredID == "" {
		return nil, errutil.BadRequest("referred_id is required", nil)
	}

	fail := func(reason string) *RedeemResult {
		return &RedeemResult{Success: false, Reason: reason}
	}

	var result *RedeemResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code Code
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", codeValue).
			First(&code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = fail(ReasonInvalidCode)
			return nil
		}
		if err != nil {
			return errutil.Internal("failed to load referral code", err)
		}

		if !code.IsActive {
			result = fail(ReasonInvalidCode)
			return nil
		}
		if code.ExpiresAt != nil && time.Now().UTC().After(*code.ExpiresAt) {
			result = fail(ReasonCodeExpired)
			return nil
		}
		if code.ReferrerID == referredID {
			result = fail(ReasonSelfReferral)
			return nil
		}

		referral := &Referral{
			ID:               s.node.Generate().String(),
			Code:             code.Code,
			ReferrerID:       code.ReferrerID,
			ReferredID:       referredID,
			ReferredRewarded: true,
		}
		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "referred_id"}}, DoNothing: true}).
			Create(referral)
		if res.Error != nil {
			return errutil.Internal("failed to record referral", res.Error)
		}
		if res.RowsAffected == 0 {
			result = fail(ReasonAlreadyReferred)
			return nil
		}

		res = tx.WithContext(ctx).Model(&Code{}).
			Where("code = ? AND (max_uses IS NULL OR uses_count < max_uses)", code.Code).
			Update("uses_count", gorm.Expr("uses_count + 1"))
		if res.Error != nil {
			return errutil.Internal("failed to consume referral code", res.Error)
		}
		if res.RowsAffected == 0 {
			// Roll back the referral row; the code ran out of uses.
			result = fail(ReasonCodeExhausted)
			return errRedeemRollback
		}

		def, err := s.catalog.Resolve(welcomeBonusAction)
		if err != nil {
			return err
		}
		if _, err := s.ledger.AwardTx(ctx, tx, ledger.AwardParams{
			UserID:   referredID,
			ActionID: welcomeBonusAction,
			Points:   def.Points,
			DedupKey: ledger.OnceKey(referredID, welcomeBonusAction),
			Metadata: map[string]any{"referrer_id": code.ReferrerID, "code": code.Code},
		}); err != nil {
			return err
		}

		result = &RedeemResult{Success: true, Referral: referral}
		return nil
	})
	if err != nil && !errors.Is(err, errRedeemRollback) {
		return nil, err
	}

	if result.Success {
		s.logger.Info("referral redeemed",
			zap.String("code", codeValue),
			zap.String("referrer_id", result.Referral.ReferrerID),
			zap.String("referred_id", referredID),
		)
	}
	return result, nil
}

// MilestoneResult reports whether a milestone paid out. Rewarded is false
// when the user was never referred or the milestone was already collected.
type MilestoneResult struct {
	Rewarded   bool   `json:"rewarded"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Points     int64  `json:"points,omitempty"`
}

// RewardMilestone pays the referrer their bonus when a referred user hits a
// milestone. Each milestone pays at most once per referral; the set update
// and the award commit together.
func (s *Service) RewardMilestone(ctx context.Context, referredID, milestone string) (*MilestoneResult, error) {
	if referredID == "" {
		return nil, errutil.BadRequest("referred_id is required", nil)
	}
	if !ValidMilestone(milestone) {
		return nil, errutil.BadRequest("unknown milestone", nil)
	}

	actionID := milestonePrefix + milestone
	def, err := s.catalog.Resolve(actionID)
	if err != nil {
		return nil, err
	}

	var result *MilestoneResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referral Referral
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("referred_id = ?", referredID).
			First(&referral).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = &MilestoneResult{Rewarded: false}
			return nil
		}
		if err != nil {
			return errutil.Internal("failed to load referral", err)
		}

		var rewarded []string
		if len(referral.RewardedMilestones) > 0 {
			if err := json.Unmarshal(referral.RewardedMilestones, &rewarded); err != nil {
				return errutil.Internal("corrupt rewarded_milestones", err)
			}
		}
		for _, m := range rewarded {
			if m == milestone {
				result = &MilestoneResult{Rewarded: false, ReferrerID: referral.ReferrerID}
				return nil
			}
		}

		rewarded = append(rewarded, milestone)
		raw, err := json.Marshal(rewarded)
		if err != nil {
			return errutil.Internal("failed to encode rewarded_milestones", err)
		}
		if err := tx.WithContext(ctx).Model(&Referral{}).
			Where("id = ?", referral.ID).
			Update("rewarded_milestones", datatypes.JSON(raw)).Error; err != nil {
			return errutil.Internal("failed to update referral", err)
		}

		if _, err := s.ledger.AwardTx(ctx, tx, ledger.AwardParams{
			UserID:   referral.ReferrerID,
			ActionID: actionID,
			Points:   def.Points,
			DedupKey: ledger.EventKey(referral.ReferrerID, actionID, referredID),
			Metadata: map[string]any{"referred_id": referredID},
		}); err != nil {
			return err
		}

		result = &MilestoneResult{
			Rewarded:   true,
			ReferrerID: referral.ReferrerID,
			Points:     def.Points,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Rewarded {
		s.logger.Info("referral milestone rewarded",
			zap.String("referred_id", referredID),
			zap.String("milestone", milestone),
			zap.String("referrer_id", result.ReferrerID),
		)
	}
	return result, nil
}

// CountByReferrer counts successful referrals attributed to the user.
func (s *Service) CountByReferrer(ctx context.Context, referrerID string) (int64, error) {
	return s.referrals.Count(ctx, &Referral{ReferrerID: referrerID})
}

// FindByReferred returns the referral that brought the user in, or nil.
func (s *Service) FindByReferred(ctx context.Context, referredID string) (*Referral, error) {
	return s.referrals.FindOne(ctx, &Referral{ReferredID: referredID})
}
