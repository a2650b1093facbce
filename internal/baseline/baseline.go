// Package baseline classifies a new authoritative score against a student's
// prior rolling performance.
package baseline

import (
	"fmt"
	"sort"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/history"
)

// Thresholds configure the classification. Review margins must sit strictly
// below the significant ones.
type Thresholds struct {
	// MinHistory is the number of prior entries needed for a baseline.
	MinHistory       int     `yaml:"min_history" json:"min_history" validate:"gte=1"`
	SignificantSigma float64 `yaml:"significant_sigma" json:"significant_sigma" validate:"gtfield=ReviewSigma"`
	ReviewSigma      float64 `yaml:"review_sigma" json:"review_sigma" validate:"gt=0"`
	SignificantJump  float64 `yaml:"significant_jump" json:"significant_jump" validate:"gtfield=ReviewJump"`
	ReviewJump       float64 `yaml:"review_jump" json:"review_jump" validate:"gt=0"`
	// SubscoreMax flags any sub-score above the category's historical best.
	SubscoreMax bool `yaml:"subscore_max" json:"subscore_max"`
	// NewStrength flags a strength pattern never seen in prior history.
	NewStrength bool `yaml:"new_strength" json:"new_strength"`
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHistory:       3,
		SignificantSigma: 2.5,
		ReviewSigma:      1.5,
		SignificantJump:  20,
		ReviewJump:       10,
		SubscoreMax:      true,
		NewStrength:      true,
	}
}

// Validate checks that review sits strictly between normal and significant.
func (t Thresholds) Validate() error {
	if t.MinHistory < 1 {
		return fmt.Errorf("min history must be at least 1, got %d", t.MinHistory)
	}
	if t.ReviewSigma <= 0 || t.SignificantSigma <= t.ReviewSigma {
		return fmt.Errorf("sigma thresholds must satisfy 0 < review (%v) < significant (%v)", t.ReviewSigma, t.SignificantSigma)
	}
	if t.ReviewJump <= 0 || t.SignificantJump <= t.ReviewJump {
		return fmt.Errorf("jump thresholds must satisfy 0 < review (%v) < significant (%v)", t.ReviewJump, t.SignificantJump)
	}
	return nil
}

// Baseline is the statistics of the prior rolling window.
type Baseline struct {
	Samples int
	Mean    float64
	StdDev  float64
}

// Of computes the baseline over the last window entries of h.
func Of(h *history.StudentHistory, window int) Baseline {
	if h == nil {
		return Baseline{}
	}
	scores := history.Scores(history.Window(h.Entries, window))
	return Baseline{
		Samples: len(scores),
		Mean:    history.Mean(scores),
		StdDev:  history.StdDev(scores),
	}
}

// Analyzer implements history.Classifier.
type Analyzer struct {
	thresholds Thresholds
	params     history.Params
}

// Ensure Analyzer implements history.Classifier
var _ history.Classifier = (*Analyzer)(nil)

// NewAnalyzer creates an analyzer. params must match the history service so
// windows and pattern ratios agree.
func NewAnalyzer(t Thresholds, params history.Params) *Analyzer {
	return &Analyzer{thresholds: t, params: params}
}

// Classify labels e against prior. Only upward deviations are flagged.
func (a *Analyzer) Classify(prior *history.StudentHistory, e history.Entry) domain.Assessment {
	total := 0
	if prior != nil {
		total = len(prior.Entries)
	}
	if total < a.thresholds.MinHistory {
		return domain.Assessment{
			Deviation: domain.DeviationNormal,
			Reasons:   []string{fmt.Sprintf("no baseline yet (%d prior entries)", total)},
			Samples:   total,
		}
	}

	window := a.params.Window
	if window <= 0 {
		window = history.DefaultParams().Window
	}
	b := Of(prior, window)
	out := domain.Assessment{
		Deviation: domain.DeviationNormal,
		Mean:      b.Mean,
		StdDev:    b.StdDev,
		Samples:   b.Samples,
	}

	score := e.Record.Score
	gap := score - b.Mean
	t := a.thresholds

	if b.StdDev > 0 {
		sigmas := gap / b.StdDev
		switch {
		case sigmas > t.SignificantSigma:
			out.Escalate(domain.DeviationSignificant, fmt.Sprintf("score %.1f is %.1f std devs above rolling mean %.1f", score, sigmas, b.Mean))
		case sigmas > t.ReviewSigma:
			out.Escalate(domain.DeviationReview, fmt.Sprintf("score %.1f is %.1f std devs above rolling mean %.1f", score, sigmas, b.Mean))
		}
	}
	switch {
	case gap >= t.SignificantJump:
		out.Escalate(domain.DeviationSignificant, fmt.Sprintf("score jumped %.1f points over rolling mean %.1f", gap, b.Mean))
	case gap >= t.ReviewJump:
		out.Escalate(domain.DeviationReview, fmt.Sprintf("score jumped %.1f points over rolling mean %.1f", gap, b.Mean))
	}

	if t.SubscoreMax {
		for _, name := range sortedCategories(e.Record.Breakdown) {
			best, ok := prior.CategoryMax(name)
			if ok && history.Exceeds(e.Record.Breakdown[name], best) {
				out.Escalate(domain.DeviationSignificant, fmt.Sprintf("%s sub-score above historical maximum", name))
			}
		}
	}

	if t.NewStrength {
		for _, name := range a.newStrengths(prior, e) {
			out.Escalate(domain.DeviationSignificant, fmt.Sprintf("%s became a strength for the first time", name))
		}
	}
	return out
}

// newStrengths lists categories that become a strength once e is added,
// were seen before, and were never a strength in prior history.
func (a *Analyzer) newStrengths(prior *history.StudentHistory, e history.Entry) []string {
	p := a.params
	if p.Window <= 0 {
		p.Window = history.DefaultParams().Window
	}
	var recent []history.Entry
	if p.Window > 1 {
		recent = history.Window(prior.Entries, p.Window-1)
	}
	window := append(append([]history.Entry(nil), recent...), e)

	seen := make(map[string]bool)
	for _, pe := range prior.Entries {
		for name := range pe.Record.Breakdown {
			seen[name] = true
		}
	}

	var out []string
	for _, pat := range history.DetectPatterns(window, p) {
		if pat.Kind != history.PatternStrength || !seen[pat.Category] {
			continue
		}
		if _, ok := e.Record.Breakdown[pat.Category]; !ok {
			continue
		}
		if !prior.HasStrength(pat.Category) {
			out = append(out, pat.Category)
		}
	}
	return out
}

func sortedCategories(m map[string]domain.SubScore) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
