package models

import (
	"fmt"
	"strings"
)

// PlanTier identifies a membership tier. Tiers are ordered; see Rank.
type PlanTier string

const (
	PlanFree         PlanTier = "free"
	PlanStarter      PlanTier = "starter"
	PlanGrowth       PlanTier = "growth"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
	PlanUnlimited    PlanTier = "unlimited"
)

// UnlimitedJobs is the JobLimit value for tiers without a posting cap.
const UnlimitedJobs = -1

// PlanLimits holds the values derived from a tier. They are never set from
// caller-supplied input.
type PlanLimits struct {
	Tier           PlanTier `json:"tier"`
	Price          int      `json:"price"`
	JobLimit       int      `json:"job_limit"`
	CreditsMonthly int      `json:"credits_monthly"`
}

// planOrder lists tiers from lowest to highest.
var planOrder = []PlanTier{
	PlanFree,
	PlanStarter,
	PlanGrowth,
	PlanProfessional,
	PlanEnterprise,
	PlanUnlimited,
}

var planLimits = map[PlanTier]PlanLimits{
	PlanFree:         {Tier: PlanFree, Price: 0, JobLimit: 1, CreditsMonthly: 0},
	PlanStarter:      {Tier: PlanStarter, Price: 199, JobLimit: 3, CreditsMonthly: 2},
	PlanGrowth:       {Tier: PlanGrowth, Price: 299, JobLimit: 6, CreditsMonthly: 5},
	PlanProfessional: {Tier: PlanProfessional, Price: 599, JobLimit: 15, CreditsMonthly: 10},
	PlanEnterprise:   {Tier: PlanEnterprise, Price: 999, JobLimit: 30, CreditsMonthly: 20},
	PlanUnlimited:    {Tier: PlanUnlimited, Price: 1999, JobLimit: UnlimitedJobs, CreditsMonthly: 50},
}

// ParsePlanTier normalizes and validates a tier name.
func ParsePlanTier(raw string) (PlanTier, error) {
	tier := PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := planLimits[tier]; !ok {
		return "", fmt.Errorf("unknown plan tier %q", raw)
	}
	return tier, nil
}

// Valid reports whether t is one of the known tiers.
func (t PlanTier) Valid() bool {
	_, ok := planLimits[t]
	return ok
}

// Rank returns the position of the tier in the ordering, or -1 when unknown.
func (t PlanTier) Rank() int {
	for i, p := range planOrder {
		if p == t {
			return i
		}
	}
	return -1
}

// Below reports whether t is strictly lower than other.
func (t PlanTier) Below(other PlanTier) bool {
	return t.Rank() < other.Rank()
}

// LimitsFor returns the limits table entry for a tier. Unknown tiers resolve to
// the free tier so a bad value never grants more than the minimum.
func LimitsFor(tier PlanTier) PlanLimits {
	if l, ok := planLimits[tier]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// AllowsJobs reports whether the tier can hold n active job postings.
func (l PlanLimits) AllowsJobs(n int) bool {
	return l.JobLimit == UnlimitedJobs || n <= l.JobLimit
}

// PlanTiers returns the tiers in ascending order.
func PlanTiers() []PlanTier {
	out := make([]PlanTier, len(planOrder))
	copy(out, planOrder)
	return out
}
