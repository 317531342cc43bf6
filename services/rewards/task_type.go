package rewards

// EvaluateBadgesPayload asks the worker to re-run badge evaluation for one
// user.
type EvaluateBadgesPayload struct {
	UserID string `json:"user_id"`
}

// ReferralMilestonePayload asks the worker to pay the referrer's bonus for a
// milestone the referred user just hit.
type ReferralMilestonePayload struct {
	UserID    string `json:"user_id"`
	Milestone string `json:"milestone"`
}
