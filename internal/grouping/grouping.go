// Package grouping partitions submission descriptors into resubmission chains
// keyed by (student, normalized assignment).
package grouping

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// Title is an assignment identity together with the names it was known by.
type Title struct {
	ID      string
	Name    string
	Aliases []string
}

// names returns every normalized name the title answers to.
func (t Title) names() []string {
	out := make([]string, 0, len(t.Aliases)+1)
	for _, n := range append([]string{t.Name}, t.Aliases...) {
		if norm := Normalize(n); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// Member is one attempt within a chain.
type Member struct {
	Descriptor domain.SubmissionDescriptor
	Hint       domain.VersionHint
}

// Chain is the ordered set of attempts for one (student, assignment) pair.
type Chain struct {
	Key          string
	StudentID    string
	AssignmentID string
	Members      []Member
}

// Index resolves filenames to assignment titles.
type Index struct {
	titles []Title
}

// NewIndex builds an index over titles.
func NewIndex(titles []Title) *Index {
	return &Index{titles: append([]Title(nil), titles...)}
}

// Match finds the title whose current name or any alias is contained in the
// filename. The longest matching name wins so "Essay 2" beats "Essay".
func (ix *Index) Match(filename string) (Title, bool) {
	return ix.match(Normalize(StripVersion(stem(filename))))
}

// MatchText is Match over free text, such as a document's heading.
func (ix *Index) MatchText(text string) (Title, bool) {
	return ix.match(Normalize(text))
}

func (ix *Index) match(norm string) (Title, bool) {
	if norm == "" || ix == nil {
		return Title{}, false
	}

	var best Title
	bestLen := 0
	for _, t := range ix.titles {
		for _, n := range t.names() {
			if containsWord(norm, n) && len(n) > bestLen {
				best, bestLen = t, len(n)
			}
		}
	}
	return best, bestLen > 0
}

// Titles returns the indexed titles.
func (ix *Index) Titles() []Title {
	if ix == nil {
		return nil
	}
	return append([]Title(nil), ix.titles...)
}

// Lookup resolves an identifier that may be an ID, a current name or an alias.
func (ix *Index) Lookup(id string) (Title, bool) {
	norm := Normalize(id)
	if norm == "" || ix == nil {
		return Title{}, false
	}
	for _, t := range ix.titles {
		if Normalize(t.ID) == norm {
			return t, true
		}
		for _, n := range t.names() {
			if n == norm {
				return t, true
			}
		}
	}
	return Title{}, false
}

// Grouper builds chains from descriptors.
type Grouper struct {
	index *Index
}

// New creates a grouper. A nil index groups on declared assignment IDs and
// filenames alone.
func New(index *Index) *Grouper {
	return &Grouper{index: index}
}

// AssignmentKey returns the normalized assignment identity for a descriptor.
func (g *Grouper) AssignmentKey(d domain.SubmissionDescriptor) string {
	if t, ok := g.index.Lookup(d.AssignmentID); ok {
		return Normalize(t.ID)
	}
	if t, ok := g.index.Match(d.Filename); ok {
		return Normalize(t.ID)
	}
	if id := Normalize(d.AssignmentID); id != "" {
		return id
	}
	return Normalize(StripVersion(stem(d.Filename)))
}

// ChainKey returns the chain key for a descriptor. Unattributed submissions
// each get their own chain: two unknown authors are not one student.
func (g *Grouper) ChainKey(d domain.SubmissionDescriptor) string {
	if !d.HasStudent() {
		return Key(domain.UnknownStudent+"#"+d.ID, g.AssignmentKey(d))
	}
	return Key(d.StudentID, g.AssignmentKey(d))
}

// Group partitions descriptors into chains, each ordered by version hint.
// Chains are returned sorted by key.
func (g *Grouper) Group(descriptors []domain.SubmissionDescriptor) []Chain {
	byKey := make(map[string]*Chain)
	for _, d := range descriptors {
		key := g.ChainKey(d)
		c, ok := byKey[key]
		if !ok {
			c = &Chain{
				Key:          key,
				StudentID:    studentOf(d),
				AssignmentID: g.AssignmentKey(d),
			}
			byKey[key] = c
		}
		c.Members = append(c.Members, Member{Descriptor: d, Hint: HintFor(d)})
	}

	chains := make([]Chain, 0, len(byKey))
	for _, c := range byKey {
		sort.SliceStable(c.Members, func(i, j int) bool {
			return c.Members[i].Hint.Less(c.Members[j].Hint)
		})
		chains = append(chains, *c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Key < chains[j].Key })
	return chains
}

// Key joins a student and a normalized assignment into a chain key.
func Key(student, assignment string) string {
	return strings.TrimSpace(student) + "|" + assignment
}

// HintFor derives the version hint of a descriptor.
func HintFor(d domain.SubmissionDescriptor) domain.VersionHint {
	return domain.VersionHint{
		Suffix:     ParseVersion(d.Filename),
		ModifiedAt: d.ModifiedAt,
		Discovery:  d.Discovery,
	}
}

var versionPattern = regexp.MustCompile(
	`(?i)(?:[\s_.\-]*(?:v|ver|version|attempt|try|rev|revision|resubmission|resubmit|draft)[\s_.\-]*(\d{1,4})|[\s_\-]*\((\d{1,4})\))\s*$`,
)

// ParseVersion returns the explicit numeric version suffix of a filename
// ("essay_v2.docx", "essay (3).pdf", "essay-attempt2.txt") or -1.
func ParseVersion(filename string) int {
	m := versionPattern.FindStringSubmatch(stem(filename))
	if m == nil {
		return -1
	}
	digits := m[1]
	if digits == "" {
		digits = m[2]
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

// StripVersion removes an explicit version suffix from a filename stem.
func StripVersion(s string) string {
	return versionPattern.ReplaceAllString(s, "")
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases s and collapses punctuation and whitespace runs into
// single spaces.
func Normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

func stem(filename string) string {
	base := filepath.Base(filename)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// containsWord reports whether needle occurs in haystack on word boundaries.
// Both arguments are already normalized.
func containsWord(haystack, needle string) bool {
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

func studentOf(d domain.SubmissionDescriptor) string {
	if d.HasStudent() {
		return d.StudentID
	}
	return domain.UnknownStudent
}
