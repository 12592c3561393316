package score

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rbaeza/agil-tracker/internal/config"
)

// Keyword is one operator-managed scoring rule. Each of the three point
// values applies to a different opportunity field.
type Keyword struct {
	ID                int
	Text              string
	TitlePoints       int
	DescriptionPoints int
	ProductPoints     int
	Category          string
}

// Rule kinds for organizations.
const (
	RulePriority  = "priority"
	RuleUndesired = "undesired"
)

// OrgRule marks an organization as prioritized or vetoed.
type OrgRule struct {
	OrgID   int
	OrgName string
	Kind    string
	Points  int
}

// RuleSource supplies the current rule set on demand. The engine only reads
// through it during Reload.
type RuleSource interface {
	LoadKeywords(ctx context.Context) ([]Keyword, error)
	LoadOrgRules(ctx context.Context) ([]OrgRule, error)
}

// Entry is one line of a score breakdown. The persisted score must always
// equal the sum of its entries' points.
type Entry struct {
	Label  string `json:"label"`
	Points int    `json:"points"`
}

// BasicInput carries the listing-level fields evaluated in phase one.
type BasicInput struct {
	Title        string
	Status       string
	Organization string
}

// ProductText is the scored projection of one requested line item.
type ProductText struct {
	Name        string
	Description string
}

// DetailInput carries the enriched fields evaluated in phase two.
type DetailInput struct {
	Description string
	Products    []ProductText
}

type scoredKeyword struct {
	Keyword
	norm string
}

type orgEntry struct {
	id   int
	norm string
	name string
}

// snapshot is an immutable view of the rule set. Reload builds a fresh one
// and swaps it in atomically; scoring calls in flight keep the one they
// started with.
type snapshot struct {
	keywords  []scoredKeyword
	priority  map[int]int
	undesired map[int]int
	nameIndex map[string]int
	orgNames  []orgEntry
	ruleNames map[int]string
}

// Engine computes deterministic opportunity scores from a reloadable rule
// snapshot.
type Engine struct {
	rules RuleSource
	snap  atomic.Pointer[snapshot]
}

func NewEngine(rules RuleSource) *Engine {
	e := &Engine{rules: rules}
	e.snap.Store(&snapshot{
		priority:  map[int]int{},
		undesired: map[int]int{},
		nameIndex: map[string]int{},
		ruleNames: map[int]string{},
	})
	return e
}

// Reload rebuilds the rule snapshot from the source and swaps it in
// whole. On error the previous snapshot stays active.
func (e *Engine) Reload(ctx context.Context) error {
	keywords, err := e.rules.LoadKeywords(ctx)
	if err != nil {
		return fmt.Errorf("loading keywords: %w", err)
	}
	orgRules, err := e.rules.LoadOrgRules(ctx)
	if err != nil {
		return fmt.Errorf("loading organization rules: %w", err)
	}

	snap := &snapshot{
		keywords:  make([]scoredKeyword, 0, len(keywords)),
		priority:  map[int]int{},
		undesired: map[int]int{},
		nameIndex: map[string]int{},
		ruleNames: map[int]string{},
	}

	for _, kw := range keywords {
		n := normalize(kw.Text)
		if n == "" {
			continue
		}
		snap.keywords = append(snap.keywords, scoredKeyword{Keyword: kw, norm: n})
	}
	// Longest normalized phrase first, so "materiales de ferreteria" is
	// credited before "ferreteria" can match inside it.
	sort.SliceStable(snap.keywords, func(i, j int) bool {
		return len(snap.keywords[i].norm) > len(snap.keywords[j].norm)
	})

	for _, rule := range orgRules {
		n := normalize(rule.OrgName)
		if n == "" {
			continue
		}
		switch rule.Kind {
		case RulePriority:
			snap.priority[rule.OrgID] = rule.Points
		case RuleUndesired:
			snap.undesired[rule.OrgID] = rule.Points
		default:
			continue
		}
		snap.nameIndex[n] = rule.OrgID
		snap.orgNames = append(snap.orgNames, orgEntry{id: rule.OrgID, norm: n, name: rule.OrgName})
		snap.ruleNames[rule.OrgID] = rule.OrgName
	}
	// Longest name first keeps the containment fallback deterministic.
	sort.SliceStable(snap.orgNames, func(i, j int) bool {
		return len(snap.orgNames[i].norm) > len(snap.orgNames[j].norm)
	})

	e.snap.Store(snap)
	return nil
}

// resolveOrg maps an organization name to a rule id: exact normalized match
// first, then rule names contained in the input. The reverse direction is
// deliberately not matched; a bare "Hospital" must not inherit the rule for
// "Hospital Regional".
func (s *snapshot) resolveOrg(name string) (int, bool) {
	n := normalize(name)
	if n == "" {
		return 0, false
	}
	if id, ok := s.nameIndex[n]; ok {
		return id, true
	}
	for _, org := range s.orgNames {
		if strings.Contains(n, org.norm) {
			return org.id, true
		}
	}
	return 0, false
}

// maskScore runs the masking pass over one text field: keywords are tested
// longest first against a working copy, and every matched occurrence is
// overwritten with a same-length placeholder so no byte range is credited
// twice.
func (s *snapshot) maskScore(text, labelPrefix string, points func(scoredKeyword) int) (int, []Entry) {
	work := normalize(text)
	if work == "" {
		return 0, nil
	}

	total := 0
	var entries []Entry
	for _, kw := range s.keywords {
		p := points(kw)
		if p == 0 {
			continue
		}
		if !strings.Contains(work, kw.norm) {
			continue
		}
		total += p
		entries = append(entries, Entry{
			Label:  fmt.Sprintf("%s: '%s' (%+d)", labelPrefix, kw.Text, p),
			Points: p,
		})
		work = strings.ReplaceAll(work, kw.norm, strings.Repeat("#", len(kw.norm)))
	}
	return total, entries
}

// ScoreBasic computes the phase-one score from listing-level fields. An
// undesired-organization match vetoes everything else and returns only that
// entry; otherwise priority points, the second-call bonus, and title keyword
// matches accumulate, floored at zero.
func (e *Engine) ScoreBasic(in BasicInput) (int, []Entry) {
	snap := e.snap.Load()

	total := 0
	var entries []Entry

	if id, ok := snap.resolveOrg(in.Organization); ok {
		if points, undesired := snap.undesired[id]; undesired {
			entry := Entry{
				Label:  fmt.Sprintf("Organismo no deseado: '%s' (%+d)", snap.ruleNames[id], points),
				Points: points,
			}
			return points, []Entry{entry}
		}
		if points, priority := snap.priority[id]; priority {
			total += points
			entries = append(entries, Entry{
				Label:  fmt.Sprintf("Organismo prioritario: '%s' (%+d)", snap.ruleNames[id], points),
				Points: points,
			})
		}
	}

	if strings.Contains(normalize(in.Status), "segundo llamado") {
		total += config.SecondCallBonus
		entries = append(entries, Entry{
			Label:  fmt.Sprintf("Segundo llamado (%+d)", config.SecondCallBonus),
			Points: config.SecondCallBonus,
		})
	}

	titleScore, titleEntries := snap.maskScore(in.Title, "KW título", func(kw scoredKeyword) int {
		return kw.TitlePoints
	})
	total += titleScore
	entries = append(entries, titleEntries...)

	if total < 0 {
		total = 0
	}
	return total, entries
}

// ScoreDetail computes the phase-two score from enriched fields. It is
// additive to the basic score, which already absorbed the floor, so no floor
// applies here.
func (e *Engine) ScoreDetail(in DetailInput) (int, []Entry) {
	snap := e.snap.Load()

	total, entries := snap.maskScore(in.Description, "KW descripción", func(kw scoredKeyword) int {
		return kw.DescriptionPoints
	})

	if len(in.Products) > 0 {
		parts := make([]string, 0, len(in.Products))
		for _, p := range in.Products {
			parts = append(parts, strings.TrimSpace(p.Name+" "+p.Description))
		}
		productScore, productEntries := snap.maskScore(strings.Join(parts, " | "), "KW producto", func(kw scoredKeyword) int {
			return kw.ProductPoints
		})
		total += productScore
		entries = append(entries, productEntries...)
	}

	return total, entries
}
