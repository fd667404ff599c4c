package ratelimit

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sciffer/sandboxgate/pkg/models"
)

const (
	freeSuffix    = "_FREE"
	premiumSuffix = "_PREMIUM"
	defaultBucket = "DEFAULT"
)

// Policy resolves the request limit for a (model, plan) pair
type Policy struct {
	families       []string
	limits         map[string]string
	teamMultiplier float64
}

// NewPolicy builds a resolver. Families are model-name prefixes; longer
// prefixes win when several match.
func NewPolicy(families []string, limits map[string]string, teamMultiplier float64) *Policy {
	fams := make([]string, 0, len(families))
	for _, f := range families {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fams = append(fams, f)
		}
	}
	sort.SliceStable(fams, func(i, j int) bool { return len(fams[i]) > len(fams[j]) })

	table := make(map[string]string, len(limits))
	for k, v := range limits {
		table[strings.ToUpper(k)] = v
	}
	return &Policy{families: fams, limits: table, teamMultiplier: teamMultiplier}
}

// Bucket maps a model name to its configuration bucket, collapsing every
// variant of a family onto the family name: "gpt-4o-mini" -> "GPT_4".
func (p *Policy) Bucket(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return defaultBucket
	}
	for _, f := range p.families {
		if strings.HasPrefix(m, f) {
			return normalize(f)
		}
	}
	return normalize(m)
}

// ResolveLimit returns the request count allowed per window. Missing or
// malformed entries give 0, which disables the model for that plan.
func (p *Policy) ResolveLimit(model string, plan models.PlanType) int {
	bucket := p.Bucket(model)
	switch plan {
	case models.PlanPro:
		return p.lookup(bucket + premiumSuffix)
	case models.PlanTeam:
		return teamLimit(p.lookup(bucket+premiumSuffix), p.teamMultiplier)
	default:
		return p.lookup(bucket + freeSuffix)
	}
}

// teamLimit floors premium*multiplier. The epsilon absorbs binary
// rounding, e.g. 100*2.3 evaluates to 229.99999999999997.
func teamLimit(premium int, multiplier float64) int {
	return int(math.Floor(float64(premium)*multiplier + 1e-9))
}

func (p *Policy) lookup(key string) int {
	v, ok := p.limits[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
