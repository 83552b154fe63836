package policy

// Profile is a named set of starting defaults for a Builder.
type Profile struct {
	Name               string
	Budget             Budget
	RequireTenantScope bool
	WritesEnabled      bool
	RedactStrategy     RedactStrategy
}

// Profile names.
const (
	ProfileProd     = "prod"
	ProfileInternal = "internal"
	ProfileDev      = "dev"
)

var profiles = []Profile{
	{
		Name: ProfileProd,
		Budget: Budget{
			MaxRows:            100,
			MaxIncludesDepth:   1,
			MaxSelectFields:    40,
			StatementTimeoutMS: 2000,
			MaxComplexityScore: 100,
		},
		RequireTenantScope: true,
		WritesEnabled:      false,
		RedactStrategy:     StrategyDeny,
	},
	{
		Name: ProfileInternal,
		Budget: Budget{
			MaxRows:            500,
			MaxIncludesDepth:   2,
			MaxSelectFields:    80,
			StatementTimeoutMS: 5000,
			MaxComplexityScore: 200,
		},
		RequireTenantScope: true,
		WritesEnabled:      false,
		RedactStrategy:     StrategyMask,
	},
	{
		Name: ProfileDev,
		Budget: Budget{
			MaxRows:            1000,
			MaxIncludesDepth:   3,
			MaxSelectFields:    100,
			StatementTimeoutMS: 10000,
			MaxComplexityScore: 500,
		},
		RequireTenantScope: false,
		WritesEnabled:      true,
		RedactStrategy:     StrategyMask,
	},
}

// Profiles returns the built-in profiles in prod, internal, dev order.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ProfileByName looks up a built-in profile.
func ProfileByName(name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
