package catalog

// Definition describes a point-earning action. Non-repeatable actions award
// at most once per user for the lifetime of the account.
type Definition struct {
	ActionID    string `json:"action_id"`
	Points      int64  `json:"points"`
	Repeatable  bool   `json:"repeatable"`
	Description string `json:"description"`
}
