// Package merge applies the keep-the-better-score policy to resubmission
// chains. Every compare-and-swap on a chain runs under that chain's own lock;
// unrelated chains never contend.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/proctor/internal/domain"
	"github.com/felixgeelhaar/proctor/internal/keylock"
)

// Outcome is what a graded attempt did to its chain.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeFirst      Outcome = "first"
	OutcomeImproved   Outcome = "improved"
	OutcomeEqualKept  Outcome = "equal-kept-latest"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeSeeded     Outcome = "seeded"
)

// Authoritative reports whether the outcome moved the chain's authoritative
// pointer. Only these outcomes reach history and persistence.
func (o Outcome) Authoritative() bool {
	return o == OutcomeFirst || o == OutcomeImproved
}

// Entry is one attempt in a chain.
type Entry struct {
	SubmissionID string             `json:"submission_id"`
	Hint         domain.VersionHint `json:"hint"`
	Graded       bool               `json:"graded"`
	Record       domain.ScoreRecord `json:"record"`
	Outcome      Outcome            `json:"outcome"`
	GradedAt     time.Time          `json:"graded_at,omitempty"`
}

// Chain is the ledger's view of one resubmission chain.
type Chain struct {
	Key           string  `json:"key"`
	Entries       []Entry `json:"entries"`
	Authoritative string  `json:"authoritative,omitempty"`
	Revision      int     `json:"revision"`
	seeded        bool
}

func (c *Chain) find(id string) int {
	for i := range c.Entries {
		if c.Entries[i].SubmissionID == id {
			return i
		}
	}
	return -1
}

func (c *Chain) current() *Entry {
	if c.Authoritative == "" {
		return nil
	}
	if i := c.find(c.Authoritative); i >= 0 {
		return &c.Entries[i]
	}
	return nil
}

// Current returns the authoritative entry, if the chain has one.
func (c Chain) Current() (Entry, bool) {
	if e := c.current(); e != nil {
		return *e, true
	}
	return Entry{}, false
}

func (c *Chain) sortEntries() {
	sort.SliceStable(c.Entries, func(i, j int) bool {
		return c.Entries[i].Hint.Less(c.Entries[j].Hint)
	})
}

func (c *Chain) clone() Chain {
	out := *c
	out.Entries = make([]Entry, len(c.Entries))
	for i, e := range c.Entries {
		e.Record = e.Record.Clone()
		out.Entries[i] = e
	}
	return out
}

// Decision is the result of merging one graded attempt.
type Decision struct {
	ChainKey     string
	SubmissionID string
	Outcome      Outcome
	// Authoritative is the chain's authoritative record after the merge.
	Authoritative   domain.ScoreRecord
	AuthoritativeID string
	HasPrevious     bool
	PreviousScore   float64
	// Revision counts authoritative transitions of the chain, including any
	// seeded from persistence.
	Revision int
}

// Prior is an authoritative result persisted by an earlier batch.
type Prior struct {
	SubmissionID string
	Record       domain.ScoreRecord
	Revision     int
}

// Seeder loads the persisted authoritative result of a chain, if any.
type Seeder interface {
	Prior(ctx context.Context, chainKey string) (*Prior, error)
}

// Ensure Ledger implements Seeder
var _ Seeder = (*Ledger)(nil)

// CommitFunc runs under the chain lock after an authoritative transition.
type CommitFunc func(ctx context.Context, d Decision) error

// Ledger holds every chain of a batch.
type Ledger struct {
	locks  *keylock.Arena
	mu     sync.Mutex
	chains map[string]*Chain
	seeder Seeder
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithSeeder makes the ledger start each chain from its persisted state.
func WithSeeder(s Seeder) Option {
	return func(l *Ledger) { l.seeder = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		locks:  keylock.New(),
		chains: make(map[string]*Chain),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register records pending attempts for a chain before they are graded.
func (l *Ledger) Register(key, submissionID string, hint domain.VersionHint) {
	unlock := l.locks.Lock(key)
	defer unlock()

	c := l.chain(key)
	if c.find(submissionID) >= 0 {
		return
	}
	c.Entries = append(c.Entries, Entry{SubmissionID: submissionID, Hint: hint, Outcome: OutcomePending})
	c.sortEntries()
}

// Apply merges a graded attempt into its chain. When the attempt becomes
// authoritative, commit runs before the chain lock is released, so
// transitions of one chain are committed one at a time and in order.
// A commit error is logged; the merge itself stands.
func (l *Ledger) Apply(ctx context.Context, key, submissionID string, hint domain.VersionHint, rec domain.ScoreRecord, commit CommitFunc) (Decision, error) {
	unlock := l.locks.Lock(key)
	defer unlock()

	c := l.chain(key)
	if err := l.seed(ctx, c); err != nil {
		return Decision{}, domain.ContentError("seed chain", err)
	}

	idx := c.find(submissionID)
	if idx < 0 {
		c.Entries = append(c.Entries, Entry{SubmissionID: submissionID, Hint: hint})
		idx = len(c.Entries) - 1
	}
	if c.Entries[idx].Graded {
		return Decision{}, domain.ContentError("merge", fmt.Errorf("%w: submission %s already graded", domain.ErrInvalidInput, submissionID))
	}

	entry := &c.Entries[idx]
	entry.Graded = true
	entry.Record = rec.Clone()
	entry.GradedAt = l.now()

	d := Decision{ChainKey: key, SubmissionID: submissionID}
	prev := c.current()
	switch {
	case prev == nil:
		entry.Outcome = OutcomeFirst
	case rec.Score > prev.Record.Score:
		entry.Outcome = OutcomeImproved
		d.HasPrevious, d.PreviousScore = true, prev.Record.Score
	case rec.Score == prev.Record.Score:
		entry.Outcome = OutcomeEqualKept
		d.HasPrevious, d.PreviousScore = true, prev.Record.Score
	default:
		entry.Outcome = OutcomeSuperseded
		d.HasPrevious, d.PreviousScore = true, prev.Record.Score
		prev.Record.Notes = append(prev.Record.Notes, fmt.Sprintf(
			"resubmission %s scored %.1f; higher score %.1f kept on file",
			submissionID, rec.Score, prev.Record.Score,
		))
	}
	d.Outcome = entry.Outcome

	if entry.Outcome.Authoritative() {
		c.Authoritative = submissionID
		c.Revision++
	}
	auth := c.current()
	d.AuthoritativeID = auth.SubmissionID
	d.Authoritative = auth.Record.Clone()
	d.Revision = c.Revision
	c.sortEntries()

	l.logger.Debug("merged attempt",
		"chain", key,
		"submission_id", submissionID,
		"outcome", d.Outcome,
		"score", rec.Score,
		"revision", d.Revision,
	)

	if d.Outcome.Authoritative() && commit != nil {
		if err := commit(ctx, d); err != nil {
			l.logger.Error("commit authoritative result failed",
				"chain", key,
				"submission_id", submissionID,
				"error", err,
			)
		}
	}
	return d, nil
}

// Snapshot returns a copy of a chain.
func (l *Ledger) Snapshot(key string) (Chain, bool) {
	unlock := l.locks.Lock(key)
	defer unlock()

	l.mu.Lock()
	c, ok := l.chains[key]
	l.mu.Unlock()
	if !ok {
		return Chain{}, false
	}
	return c.clone(), true
}

// Prior returns the authoritative entry of a chain, which lets a ledger
// seed the next batch over the same submissions.
func (l *Ledger) Prior(_ context.Context, key string) (*Prior, error) {
	c, ok := l.Snapshot(key)
	if !ok {
		return nil, nil
	}
	cur := c.current()
	if cur == nil {
		return nil, nil
	}
	return &Prior{SubmissionID: cur.SubmissionID, Record: cur.Record.Clone(), Revision: c.Revision}, nil
}

// Keys returns every chain key known to the ledger.
func (l *Ledger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.chains))
	for k := range l.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chain returns the chain for key, creating it. Callers hold the chain lock.
func (l *Ledger) chain(key string) *Chain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chains[key]
	if !ok {
		c = &Chain{Key: key}
		l.chains[key] = c
	}
	return c
}

// seed loads the persisted authoritative entry once per chain. Callers hold
// the chain lock.
func (l *Ledger) seed(ctx context.Context, c *Chain) error {
	if c.seeded || l.seeder == nil {
		return nil
	}
	prior, err := l.seeder.Prior(ctx, c.Key)
	if err != nil {
		return err
	}
	c.seeded = true
	if prior == nil || c.find(prior.SubmissionID) >= 0 {
		return nil
	}

	c.Entries = append([]Entry{{
		SubmissionID: prior.SubmissionID,
		Hint:         domain.VersionHint{Suffix: -1, Discovery: -1},
		Graded:       true,
		Record:       prior.Record.Clone(),
		Outcome:      OutcomeSeeded,
	}}, c.Entries...)
	c.Authoritative = prior.SubmissionID
	c.Revision = prior.Revision
	return nil
}
