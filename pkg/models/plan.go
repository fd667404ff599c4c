package models

// PlanType is a user's subscription plan
type PlanType string

const (
	PlanFree PlanType = "free"
	PlanPro  PlanType = "pro"
	PlanTeam PlanType = "team"
)

// ParsePlanType maps unknown or empty values to PlanFree
func ParsePlanType(s string) PlanType {
	switch PlanType(s) {
	case PlanPro:
		return PlanPro
	case PlanTeam:
		return PlanTeam
	}
	return PlanFree
}

// Premium reports whether the plan is a paid tier
func (p PlanType) Premium() bool {
	return p == PlanPro || p == PlanTeam
}
