package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

func record(score float64, feedback string) domain.ScoreRecord {
	return domain.ScoreRecord{Score: score, LetterGrade: domain.LetterFor(score), Feedback: feedback}
}

func hint(n int) domain.VersionHint {
	return domain.VersionHint{Suffix: n, Discovery: n}
}

func permutations(in []int) [][]int {
	if len(in) <= 1 {
		return [][]int{append([]int(nil), in...)}
	}
	var out [][]int
	for i := range in {
		rest := append(append([]int(nil), in[:i]...), in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]int{in[i]}, p...))
		}
	}
	return out
}

func TestLedger_Monotonicity(t *testing.T) {
	scores := []float64{70, 85, 60}

	for _, order := range permutations([]int{0, 1, 2}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			l := NewLedger()
			ctx := context.Background()
			commits := 0

			for _, i := range order {
				id := fmt.Sprintf("sub-%d", i)
				_, err := l.Apply(ctx, "s1|essay", id, hint(i), record(scores[i], id), func(context.Context, Decision) error {
					commits++
					return nil
				})
				if err != nil {
					t.Fatalf("Apply() error = %v", err)
				}
			}

			c, ok := l.Snapshot("s1|essay")
			if !ok {
				t.Fatal("Snapshot() ok = false")
			}
			if c.Authoritative != "sub-1" {
				t.Errorf("Authoritative = %q; want sub-1", c.Authoritative)
			}
			for _, e := range c.Entries {
				if e.SubmissionID == "sub-2" && e.Outcome != OutcomeSuperseded {
					t.Errorf("sub-2 outcome = %q; want %q", e.Outcome, OutcomeSuperseded)
				}
				if e.SubmissionID == "sub-1" && e.Record.Feedback != "sub-1" {
					t.Errorf("authoritative feedback = %q; want sub-1", e.Record.Feedback)
				}
			}
			if commits != c.Revision {
				t.Errorf("commits = %d; want %d (one per transition)", commits, c.Revision)
			}
		})
	}
}

func TestLedger_TieKeepsEarliest(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	dA, err := l.Apply(ctx, "k", "A", hint(1), record(80, "feedback A"), nil)
	if err != nil {
		t.Fatalf("Apply(A) error = %v", err)
	}
	if dA.Outcome != OutcomeFirst {
		t.Errorf("A outcome = %q; want %q", dA.Outcome, OutcomeFirst)
	}

	committed := false
	dB, err := l.Apply(ctx, "k", "B", hint(2), record(80, "feedback B"), func(context.Context, Decision) error {
		committed = true
		return nil
	})
	if err != nil {
		t.Fatalf("Apply(B) error = %v", err)
	}
	if dB.Outcome != OutcomeEqualKept {
		t.Errorf("B outcome = %q; want %q", dB.Outcome, OutcomeEqualKept)
	}
	if dB.AuthoritativeID != "A" {
		t.Errorf("AuthoritativeID = %q; want A", dB.AuthoritativeID)
	}
	if dB.Authoritative.Feedback != "feedback A" {
		t.Errorf("Authoritative.Feedback = %q; want %q", dB.Authoritative.Feedback, "feedback A")
	}
	if committed {
		t.Error("commit ran for equal score; want no transition")
	}
}

func TestLedger_SupersededAnnotatesAuthoritative(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	if _, err := l.Apply(ctx, "k", "A", hint(1), record(85, ""), nil); err != nil {
		t.Fatalf("Apply(A) error = %v", err)
	}
	d, err := l.Apply(ctx, "k", "B", hint(2), record(60, ""), nil)
	if err != nil {
		t.Fatalf("Apply(B) error = %v", err)
	}

	if d.Outcome != OutcomeSuperseded {
		t.Fatalf("Outcome = %q; want %q", d.Outcome, OutcomeSuperseded)
	}
	if d.Authoritative.Score != 85 {
		t.Errorf("Authoritative.Score = %v; want 85", d.Authoritative.Score)
	}
	if len(d.Authoritative.Notes) != 1 || !strings.Contains(d.Authoritative.Notes[0], "60.0") {
		t.Errorf("Authoritative.Notes = %v; want a note with the attempted score", d.Authoritative.Notes)
	}
}

func TestLedger_KeysAndCurrent(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	l.Register("s2|lab", "L1", hint(1))
	if _, err := l.Apply(ctx, "s1|essay", "E1", hint(1), record(72, ""), nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	keys := l.Keys()
	if strings.Join(keys, ",") != "s1|essay,s2|lab" {
		t.Errorf("Keys() = %v; want sorted [s1|essay s2|lab]", keys)
	}

	c, _ := l.Snapshot("s1|essay")
	cur, ok := c.Current()
	if !ok || cur.SubmissionID != "E1" || cur.Record.Score != 72 {
		t.Errorf("Current() = %+v, %v; want E1 at 72", cur, ok)
	}
	pending, _ := l.Snapshot("s2|lab")
	if _, ok := pending.Current(); ok {
		t.Error("Current() ok = true for a chain with nothing graded")
	}
}

func TestLedger_ConcurrentImprovements(t *testing.T) {
	for round := 0; round < 50; round++ {
		l := NewLedger()
		ctx := context.Background()
		if _, err := l.Apply(ctx, "k", "base", hint(0), record(50, ""), nil); err != nil {
			t.Fatalf("Apply(base) error = %v", err)
		}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			lastSeen float64
			regress  bool
		)
		commit := func(_ context.Context, d Decision) error {
			mu.Lock()
			defer mu.Unlock()
			if d.Authoritative.Score < lastSeen {
				regress = true
			}
			lastSeen = d.Authoritative.Score
			return nil
		}

		for i, s := range []float64{75, 90, 80, 95, 65} {
			wg.Add(1)
			go func(i int, s float64) {
				defer wg.Done()
				if _, err := l.Apply(ctx, "k", fmt.Sprintf("r%d", i), hint(i+1), record(s, ""), commit); err != nil {
					t.Errorf("Apply() error = %v", err)
				}
			}(i, s)
		}
		wg.Wait()

		c, _ := l.Snapshot("k")
		if c.Authoritative != "r3" {
			t.Fatalf("round %d: Authoritative = %q; want r3", round, c.Authoritative)
		}
		if regress {
			t.Fatalf("round %d: committed score went backwards", round)
		}
	}
}

func TestLedger_RegisterKeepsPendingEntries(t *testing.T) {
	l := NewLedger()
	l.Register("k", "v2", hint(2))
	l.Register("k", "v1", hint(1))
	l.Register("k", "v1", hint(1))

	c, ok := l.Snapshot("k")
	if !ok {
		t.Fatal("Snapshot() ok = false")
	}
	if len(c.Entries) != 2 {
		t.Fatalf("len(Entries) = %d; want 2", len(c.Entries))
	}
	if c.Entries[0].SubmissionID != "v1" || c.Entries[0].Outcome != OutcomePending {
		t.Errorf("Entries[0] = %+v; want pending v1", c.Entries[0])
	}

	if _, err := l.Apply(context.Background(), "k", "v2", hint(2), record(70, ""), nil); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := l.Apply(context.Background(), "k", "v2", hint(2), record(71, ""), nil); err == nil {
		t.Error("Apply() twice for the same submission: error = nil")
	}
}

type fakeSeeder struct {
	prior *Prior
	err   error
	calls int
}

func (f *fakeSeeder) Prior(context.Context, string) (*Prior, error) {
	f.calls++
	return f.prior, f.err
}

func TestLedger_SeededChainKeepsBetterPrior(t *testing.T) {
	seeder := &fakeSeeder{prior: &Prior{SubmissionID: "old", Record: record(88, "prior batch"), Revision: 2}}
	l := NewLedger(WithSeeder(seeder))
	ctx := context.Background()

	d, err := l.Apply(ctx, "k", "new", hint(3), record(75, ""), nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if d.Outcome != OutcomeSuperseded {
		t.Errorf("Outcome = %q; want %q", d.Outcome, OutcomeSuperseded)
	}

	d, err = l.Apply(ctx, "k", "newer", hint(4), record(92, ""), nil)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if d.Outcome != OutcomeImproved || d.Revision != 3 {
		t.Errorf("Outcome, Revision = %q, %d; want %q, 3", d.Outcome, d.Revision, OutcomeImproved)
	}
	if seeder.calls != 1 {
		t.Errorf("seeder calls = %d; want 1", seeder.calls)
	}
}

func TestLedger_SeedFailureIsContentError(t *testing.T) {
	l := NewLedger(WithSeeder(&fakeSeeder{err: errors.New("db closed")}))

	_, err := l.Apply(context.Background(), "k", "a", hint(1), record(70, ""), nil)
	if err == nil {
		t.Fatal("Apply() error = nil; want seed error")
	}
	if domain.IsServiceError(err) {
		t.Errorf("seed failure classified as service error: %v", err)
	}
}

func TestOutcome_Authoritative(t *testing.T) {
	for _, o := range []Outcome{OutcomeFirst, OutcomeImproved} {
		if !o.Authoritative() {
			t.Errorf("%q.Authoritative() = false", o)
		}
	}
	for _, o := range []Outcome{OutcomeEqualKept, OutcomeSuperseded, OutcomePending, OutcomeSeeded} {
		if o.Authoritative() {
			t.Errorf("%q.Authoritative() = true", o)
		}
	}
}
