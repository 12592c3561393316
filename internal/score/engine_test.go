package score

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type fakeRuleSource struct {
	keywords []Keyword
	orgRules []OrgRule
	err      error
}

func (f *fakeRuleSource) LoadKeywords(ctx context.Context) ([]Keyword, error) {
	return f.keywords, f.err
}

func (f *fakeRuleSource) LoadOrgRules(ctx context.Context) ([]OrgRule, error) {
	return f.orgRules, f.err
}

func loadedEngine(t *testing.T, src *fakeRuleSource) *Engine {
	t.Helper()
	e := NewEngine(src)
	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	return e
}

func sumPoints(entries []Entry) int {
	total := 0
	for _, entry := range entries {
		total += entry.Points
	}
	return total
}

func TestMaskingLongestPhraseWins(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{keywords: []Keyword{
		{ID: 1, Text: "ferreteria", TitlePoints: 5},
		{ID: 2, Text: "materiales de ferreteria", TitlePoints: 10},
	}})

	score, entries := e.ScoreBasic(BasicInput{Title: "compra de materiales de ferreteria urgente"})
	if score != 10 {
		t.Errorf("score = %d, want 10 (longer phrase only)", score)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single breakdown entry, got %v", entries)
	}
	if entries[0].Points != 10 {
		t.Errorf("entry points = %d, want 10", entries[0].Points)
	}
}

func TestMaskingBlocksRepeatCredit(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{keywords: []Keyword{
		{ID: 1, Text: "pintura", TitlePoints: 3},
	}})

	// Both occurrences are masked after the first match; the keyword is
	// credited once per field, not per occurrence.
	score, entries := e.ScoreBasic(BasicInput{Title: "pintura latex y pintura esmalte"})
	if score != 3 || len(entries) != 1 {
		t.Errorf("score = %d with %d entries, want 3 with 1", score, len(entries))
	}
}

func TestScoringNormalizesDiacriticsAndCase(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{keywords: []Keyword{
		{ID: 1, Text: "ferretería", TitlePoints: 5},
	}})

	score, _ := e.ScoreBasic(BasicInput{Title: "ARTÍCULOS DE FERRETERIA"})
	if score != 5 {
		t.Errorf("score = %d, want 5 (diacritics and case must not matter)", score)
	}
}

func TestOrganizationVeto(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{
		keywords: []Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 5}},
		orgRules: []OrgRule{{OrgID: 7, OrgName: "Municipalidad de Prueba", Kind: RuleUndesired, Points: -50}},
	})

	score, entries := e.ScoreBasic(BasicInput{
		Title:        "compra de ferreteria",
		Organization: "Municipalidad de Prueba",
	})
	if score != -50 {
		t.Errorf("score = %d, want the veto's -50 regardless of keywords", score)
	}
	if len(entries) != 1 {
		t.Fatalf("veto must be the only breakdown entry, got %v", entries)
	}
	if sumPoints(entries) != score {
		t.Errorf("score %d != breakdown sum %d", score, sumPoints(entries))
	}
}

func TestOrganizationResolutionByContainment(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{
		orgRules: []OrgRule{{OrgID: 3, OrgName: "Hospital Regional", Kind: RulePriority, Points: 8}},
	})

	score, entries := e.ScoreBasic(BasicInput{
		Organization: "Hospital Regional de Concepción",
	})
	if score != 8 || len(entries) != 1 {
		t.Errorf("containment fallback failed: score=%d entries=%v", score, entries)
	}

	// Containment only runs one way: an input shorter than the rule name
	// must not inherit its points.
	score, entries = e.ScoreBasic(BasicInput{Organization: "Hospital"})
	if score != 0 || len(entries) != 0 {
		t.Errorf("partial name must not resolve: score=%d entries=%v", score, entries)
	}
}

func TestSecondCallBonus(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{})

	score, entries := e.ScoreBasic(BasicInput{Title: "sin keywords", Status: "Publicada (Segundo Llamado)"})
	if score != 5 || len(entries) != 1 {
		t.Errorf("second call bonus: score=%d entries=%v, want 5 with 1 entry", score, entries)
	}
}

func TestBasicScoreFloorsAtZero(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{
		orgRules: []OrgRule{{OrgID: 1, OrgName: "Dirección de Prueba", Kind: RulePriority, Points: -3}},
	})

	score, _ := e.ScoreBasic(BasicInput{Organization: "Dirección de Prueba"})
	if score != 0 {
		t.Errorf("score = %d, want floor at 0", score)
	}
}

func TestScoreDetailProductsAndNoFloor(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{keywords: []Keyword{
		{ID: 1, Text: "taladro", DescriptionPoints: 2, ProductPoints: 4},
		{ID: 2, Text: "broca", ProductPoints: 3},
	}})

	score, entries := e.ScoreDetail(DetailInput{
		Description: "incluye un taladro industrial",
		Products: []ProductText{
			{Name: "Taladro", Description: "percutor 800W"},
			{Name: "Set de brocas", Description: "broca para concreto"},
		},
	})
	// 2 from description, 4 + 3 from the product projection. Each field has
	// its own masking pass, so "taladro" scores once per field.
	if score != 9 {
		t.Errorf("score = %d, want 9", score)
	}
	if sumPoints(entries) != score {
		t.Errorf("score %d != breakdown sum %d", score, sumPoints(entries))
	}
}

func TestScoringIsIdempotent(t *testing.T) {
	e := loadedEngine(t, &fakeRuleSource{
		keywords: []Keyword{
			{ID: 1, Text: "ferreteria", TitlePoints: 5, DescriptionPoints: 2},
			{ID: 2, Text: "materiales de ferreteria", TitlePoints: 10},
		},
		orgRules: []OrgRule{{OrgID: 1, OrgName: "SERVIU", Kind: RulePriority, Points: 4}},
	})

	in := BasicInput{Title: "materiales de ferreteria y pintura", Status: "Publicada", Organization: "SERVIU"}
	score1, entries1 := e.ScoreBasic(in)
	score2, entries2 := e.ScoreBasic(in)
	if score1 != score2 || !reflect.DeepEqual(entries1, entries2) {
		t.Errorf("scoring not deterministic: (%d, %v) vs (%d, %v)", score1, entries1, score2, entries2)
	}
	if sumPoints(entries1) != score1 {
		t.Errorf("score %d != breakdown sum %d", score1, sumPoints(entries1))
	}
}

func TestReloadSwapsRulesAtomically(t *testing.T) {
	src := &fakeRuleSource{keywords: []Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 5}}}
	e := loadedEngine(t, src)

	if score, _ := e.ScoreBasic(BasicInput{Title: "ferreteria"}); score != 5 {
		t.Fatalf("precondition failed, score = %d", score)
	}

	src.keywords = []Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 9}}
	// Mutating the source is invisible until the explicit reload.
	if score, _ := e.ScoreBasic(BasicInput{Title: "ferreteria"}); score != 5 {
		t.Errorf("snapshot leaked source mutation before reload: %d", score)
	}

	if err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if score, _ := e.ScoreBasic(BasicInput{Title: "ferreteria"}); score != 9 {
		t.Errorf("reload did not take effect: %d", score)
	}
}

func TestReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeRuleSource{keywords: []Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 5}}}
	e := loadedEngine(t, src)

	src.err = errors.New("db down")
	if err := e.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if score, _ := e.ScoreBasic(BasicInput{Title: "ferreteria"}); score != 5 {
		t.Errorf("failed reload must keep the old snapshot, score = %d", score)
	}
}

func TestEmptyEngineScoresZero(t *testing.T) {
	e := NewEngine(&fakeRuleSource{})
	score, entries := e.ScoreBasic(BasicInput{Title: "cualquier cosa", Organization: "Org"})
	if score != 0 || entries != nil {
		t.Errorf("unloaded engine must score 0 with no entries, got (%d, %v)", score, entries)
	}
}
