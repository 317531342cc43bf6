package taskname

const (
	// Rewards tasks
	RewardsEvaluateBadges    = "rewards:evaluate_badges"
	RewardsReferralMilestone = "rewards:referral_milestone"
)
