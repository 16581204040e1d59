package domain

// RewardGrant is the verified outcome of a rewarded interaction, as
// reported by the ad mediation backend's server-side verification call.
type RewardGrant struct {
	// Completed is true only when the user finished the interaction.
	Completed bool `json:"completed"`
	// Amount is the currency the mediation layer says was earned.
	Amount float64 `json:"amount"`
	// GrantID identifies the grant for idempotency on the provider side.
	GrantID string `json:"grant_id,omitempty"`
}
