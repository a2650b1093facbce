package history

// Params holds the tuning of history derivations. The defaults are
// product heuristics, not derived constants.
type Params struct {
	Capacity          int     `yaml:"capacity" json:"capacity" validate:"gte=1"`
	Window            int     `yaml:"window" json:"window" validate:"gte=1"`
	TrendMinEntries   int     `yaml:"trend_min_entries" json:"trend_min_entries" validate:"gte=2"`
	TrendDelta        float64 `yaml:"trend_delta" json:"trend_delta" validate:"gt=0"`
	StreakLength      int     `yaml:"streak_length" json:"streak_length" validate:"gte=2"`
	ExcellenceScore   float64 `yaml:"excellence_score" json:"excellence_score" validate:"gte=0,lte=100"`
	StrengthRatio     float64 `yaml:"strength_ratio" json:"strength_ratio" validate:"gt=0,lte=1"`
	WeaknessRatio     float64 `yaml:"weakness_ratio" json:"weakness_ratio" validate:"gte=0,ltfield=StrengthRatio"`
	PatternMinEntries int     `yaml:"pattern_min_entries" json:"pattern_min_entries" validate:"gte=1"`
	// Strict panics on corrupted histories instead of logging and skipping.
	Strict bool `yaml:"strict" json:"strict"`
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		Capacity:          20,
		Window:            5,
		TrendMinEntries:   3,
		TrendDelta:        5,
		StreakLength:      3,
		ExcellenceScore:   90,
		StrengthRatio:     0.85,
		WeaknessRatio:     0.60,
		PatternMinEntries: 2,
	}
}

// normalized fills zero fields from the defaults.
func (p Params) normalized() Params {
	d := DefaultParams()
	if p.Capacity <= 0 {
		p.Capacity = d.Capacity
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.TrendMinEntries <= 0 {
		p.TrendMinEntries = d.TrendMinEntries
	}
	if p.TrendDelta <= 0 {
		p.TrendDelta = d.TrendDelta
	}
	if p.StreakLength <= 0 {
		p.StreakLength = d.StreakLength
	}
	if p.ExcellenceScore <= 0 {
		p.ExcellenceScore = d.ExcellenceScore
	}
	if p.StrengthRatio <= 0 {
		p.StrengthRatio = d.StrengthRatio
	}
	if p.WeaknessRatio <= 0 {
		p.WeaknessRatio = d.WeaknessRatio
	}
	if p.PatternMinEntries <= 0 {
		p.PatternMinEntries = d.PatternMinEntries
	}
	return p
}
