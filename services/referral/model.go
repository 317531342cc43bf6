package referral

import (
	"time"

	"gorm.io/datatypes"
)

// Code is a user's shareable referral code. One active code per referrer;
// MaxUses nil means unlimited, ExpiresAt nil means no expiry.
type Code struct {
	Code       string     `gorm:"column:code;primaryKey" json:"code"`
	ReferrerID string     `gorm:"column:referrer_id;uniqueIndex;not null" json:"referrer_id"`
	MaxUses    *int       `gorm:"column:max_uses" json:"max_uses,omitempty"`
	UsesCount  int        `gorm:"column:uses_count;not null;default:0" json:"uses_count"`
	ExpiresAt  *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	IsActive   bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Code) TableName() string {
	return "referral_codes"
}

// Referral links a referred user to their referrer. The unique index on
// ReferredID enforces that a user can be referred at most once, ever.
// RewardedMilestones records which milestone bonuses the referrer has
// already collected for this referral, as a JSON string array.
type Referral struct {
	ID                 string         `gorm:"column:id;primaryKey" json:"id"`
	Code               string         `gorm:"column:code;index;not null" json:"code"`
	ReferrerID         string         `gorm:"column:referrer_id;index;not null" json:"referrer_id"`
	ReferredID         string         `gorm:"column:referred_id;uniqueIndex;not null" json:"referred_id"`
	RewardedMilestones datatypes.JSON `gorm:"column:rewarded_milestones" json:"rewarded_milestones,omitempty"`
	ReferredRewarded   bool           `gorm:"column:referred_rewarded;not null;default:false" json:"referred_rewarded"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Referral) TableName() string {
	return "referrals"
}

// Milestones a referred user can hit that pay the referrer a bonus.
const (
	MilestoneProfileCompleted = "profile_completed"
	MilestoneFirstStory       = "first_story"
	MilestoneFirstTicket      = "first_ticket"
)

// ValidMilestone reports whether the milestone name is recognized.
func ValidMilestone(milestone string) bool {
	switch milestone {
	case MilestoneProfileCompleted, MilestoneFirstStory, MilestoneFirstTicket:
		return true
	}
	return false
}

// Redemption failure reasons.
const (
	ReasonInvalidCode     = "invalid_code"
	ReasonCodeExpired     = "code_expired"
	ReasonCodeExhausted   = "code_exhausted"
	ReasonSelfReferral    = "self_referral"
	ReasonAlreadyReferred = "already_referred"
)
