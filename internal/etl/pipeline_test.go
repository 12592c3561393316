package etl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/models"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

type fakeRules struct {
	keywords []score.Keyword
	orgRules []score.OrgRule
	err      error
}

func (f *fakeRules) LoadKeywords(ctx context.Context) ([]score.Keyword, error) {
	return f.keywords, f.err
}

func (f *fakeRules) LoadOrgRules(ctx context.Context) ([]score.OrgRule, error) {
	return f.orgRules, f.err
}

type fakeStore struct {
	rows       []models.ScoringRow
	candidates []models.ScoringRow
	followed   []models.ScoringRow
	bid        []models.ScoringRow
	rangeFrom  *time.Time
	rangeTo    *time.Time
	upsertErr  error

	upserted     []scrape.ListingItem
	scoreUpdates []models.ScoreUpdate
	detailCodes  []string
	imported     []string
	flags        map[string]string
	orgsMarked   bool
	softDays     int
	hardDays     int
	runs         []string
	completed    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{flags: map[string]string{}}
}

func (f *fakeStore) BulkUpsert(ctx context.Context, items []scrape.ListingItem) (int, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.upserted = append(f.upserted, items...)
	return len(items), nil
}

func (f *fakeStore) UpdateDetail(ctx context.Context, code string, d *scrape.Detail, total int, breakdown []score.Entry) error {
	f.detailCodes = append(f.detailCodes, code)
	return nil
}

func (f *fakeStore) InsertImported(ctx context.Context, code, title string, d *scrape.Detail, total int, breakdown []score.Entry) (int, error) {
	f.imported = append(f.imported, code)
	return len(f.imported), nil
}

func (f *fakeStore) UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error {
	f.scoreUpdates = append(f.scoreUpdates, updates...)
	return nil
}

func (f *fakeStore) FetchForRescoring(ctx context.Context) ([]models.ScoringRow, error) {
	return f.rows, nil
}

func (f *fakeStore) CandidatesForDetail(ctx context.Context, minScore int) ([]models.ScoringRow, error) {
	return f.candidates, nil
}

func (f *fakeStore) FetchFollowed(ctx context.Context) ([]models.ScoringRow, error) {
	return f.followed, nil
}

func (f *fakeStore) FetchBid(ctx context.Context) ([]models.ScoringRow, error) {
	return f.bid, nil
}

func (f *fakeStore) MarkOrganizationsSeen(ctx context.Context) error {
	f.orgsMarked = true
	return nil
}

func (f *fakeStore) SoftCloseStale(ctx context.Context, graceDays int) (int, error) {
	f.softDays = graceDays
	return 2, nil
}

func (f *fakeStore) HardDeleteOld(ctx context.Context, retentionDays int) (int, error) {
	f.hardDays = retentionDays
	return 1, nil
}

func (f *fakeStore) ActiveCandidateDateRange(ctx context.Context) (*time.Time, *time.Time, error) {
	return f.rangeFrom, f.rangeTo, nil
}

func (f *fakeStore) SetTrackingFlag(ctx context.Context, code, flag string, on bool) error {
	f.flags[code] = flag
	return nil
}

func (f *fakeStore) CreateRun(ctx context.Context, operation string) (string, error) {
	f.runs = append(f.runs, operation)
	return "run-" + operation, nil
}

func (f *fakeStore) CompleteRun(ctx context.Context, runID, status string, found, saved, errCount int, details string) error {
	f.completed = append(f.completed, runID+":"+status)
	return nil
}

type fakeFetcher struct {
	items      []scrape.ListingItem
	listErr    error
	details    map[string]*scrape.Detail
	detailErr  error
	healthErr  error
	gotFilters scrape.Filters
}

func (f *fakeFetcher) FetchListing(ctx context.Context, filters scrape.Filters, maxPages int, progress func(string)) ([]scrape.ListingItem, error) {
	f.gotFilters = filters
	return f.items, f.listErr
}

func (f *fakeFetcher) FetchDetail(ctx context.Context, code string) (*scrape.Detail, error) {
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return f.details[code], nil
}

func (f *fakeFetcher) CheckHealth(ctx context.Context, progress func(string)) error {
	return f.healthErr
}

func testSettings() *config.Settings {
	return &config.Settings{DateWindowDays: 7, DetailMinScore: 10, ListMinScore: 5}
}

func newTestService(store *fakeStore, fetcher *fakeFetcher, rules *fakeRules) *Service {
	if rules == nil {
		rules = &fakeRules{}
	}
	return NewService(store, fetcher, score.NewEngine(rules), testSettings())
}

func TestFullRefreshSequencesPhases(t *testing.T) {
	store := newFakeStore()
	store.rows = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "compra de ferreteria", StatusText: "Publicada", Score: 0},
	}
	store.candidates = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "compra de ferreteria", StatusText: "Publicada", Score: 12},
	}
	fetcher := &fakeFetcher{
		items: []scrape.ListingItem{{Code: "CA-1", Title: "compra de ferreteria", Status: "Publicada", Organization: "Muni"}},
		details: map[string]*scrape.Detail{
			"CA-1": {Description: "martillos y ferreteria general", Status: "Publicada"},
		},
	}
	rules := &fakeRules{keywords: []score.Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 12, DescriptionPoints: 3}}}

	svc := newTestService(store, fetcher, rules)
	found, err := svc.FullRefresh(context.Background(), RefreshOptions{}, Progress{})
	if err != nil {
		t.Fatalf("FullRefresh failed: %v", err)
	}

	if found != 1 {
		t.Errorf("found = %d, want 1", found)
	}
	if !store.orgsMarked {
		t.Error("organizations must be marked seen before the sweep")
	}
	if len(store.upserted) != 1 || store.upserted[0].Code != "CA-1" {
		t.Errorf("upserted = %v", store.upserted)
	}
	if len(store.scoreUpdates) != 1 || store.scoreUpdates[0].Score != 12 {
		t.Errorf("score updates = %+v, want one write of 12", store.scoreUpdates)
	}
	if len(store.detailCodes) != 1 || store.detailCodes[0] != "CA-1" {
		t.Errorf("detail codes = %v", store.detailCodes)
	}
	if len(store.completed) != 1 || !strings.HasSuffix(store.completed[0], ":completed") {
		t.Errorf("run bookkeeping = %v", store.completed)
	}

	// Default date window: from today-7d to today.
	if fetcher.gotFilters["date_from"] == "" || fetcher.gotFilters["date_to"] == "" {
		t.Errorf("date filters missing: %v", fetcher.gotFilters)
	}
}

func TestFullRefreshFailsWithAcquisitionKind(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{listErr: scrape.ErrNoToken}

	svc := newTestService(store, fetcher, nil)
	_, err := svc.FullRefresh(context.Background(), RefreshOptions{}, Progress{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if kind, ok := KindOf(err); !ok || kind != KindAcquisition {
		t.Errorf("kind = %v, want acquisition", kind)
	}
	if !errors.Is(err, scrape.ErrNoToken) {
		t.Errorf("cause not preserved: %v", err)
	}
	if len(store.completed) != 1 || !strings.HasSuffix(store.completed[0], ":failed") {
		t.Errorf("run must be marked failed: %v", store.completed)
	}
}

func TestFullRefreshFailsWithLoadKind(t *testing.T) {
	store := newFakeStore()
	store.upsertErr = errors.New("db down")
	fetcher := &fakeFetcher{items: []scrape.ListingItem{{Code: "CA-1"}}}

	svc := newTestService(store, fetcher, nil)
	_, err := svc.FullRefresh(context.Background(), RefreshOptions{}, Progress{})
	if kind, ok := KindOf(err); !ok || kind != KindLoad {
		t.Errorf("kind = %v, want load", kind)
	}
}

func TestRescoreWritesOnlyChangedScores(t *testing.T) {
	store := newFakeStore()
	store.rows = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "compra de ferreteria", StatusText: "Publicada", Score: 12},
		{ID: 2, Code: "CA-2", Title: "servicio de aseo", StatusText: "Publicada", Score: 7},
	}
	rules := &fakeRules{keywords: []score.Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 12}}}

	svc := newTestService(store, &fakeFetcher{}, rules)
	if err := svc.RescoreAll(context.Background(), Progress{}); err != nil {
		t.Fatalf("RescoreAll failed: %v", err)
	}

	// CA-1 already holds 12; only CA-2 (7 -> 0) needs a write.
	if len(store.scoreUpdates) != 1 || store.scoreUpdates[0].ID != 2 || store.scoreUpdates[0].Score != 0 {
		t.Errorf("score updates = %+v, want only row 2 going to 0", store.scoreUpdates)
	}
}

func TestEnrichmentSkipsAbsentAndPropagatesSystemicFailure(t *testing.T) {
	store := newFakeStore()
	store.candidates = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "a", StatusText: "Publicada", Score: 11},
		{ID: 2, Code: "CA-2", Title: "b", StatusText: "Publicada", Score: 11},
	}
	// CA-1 absent from the portal, CA-2 present: the batch must still save
	// CA-2 and finish without error.
	fetcher := &fakeFetcher{details: map[string]*scrape.Detail{
		"CA-2": {Description: "algo", Status: "Publicada"},
	}}

	svc := newTestService(store, fetcher, nil)
	if _, err := svc.FullRefresh(context.Background(), RefreshOptions{}, Progress{}); err != nil {
		t.Fatalf("absent records must not abort the batch: %v", err)
	}
	if len(store.detailCodes) != 1 || store.detailCodes[0] != "CA-2" {
		t.Errorf("detail codes = %v, want only CA-2", store.detailCodes)
	}

	// Every fetch erroring means dead credentials: the batch surfaces an
	// enrichment failure after exhausting itself.
	store2 := newFakeStore()
	store2.candidates = store.candidates
	fetcher2 := &fakeFetcher{detailErr: errors.New("HTTP 401")}
	svc2 := newTestService(store2, fetcher2, nil)
	_, err := svc2.FullRefresh(context.Background(), RefreshOptions{}, Progress{})
	if kind, ok := KindOf(err); !ok || kind != KindEnrichment {
		t.Errorf("kind = %v, want enrichment", kind)
	}
}

func TestSelectiveRefreshFloorsCandidateWindow(t *testing.T) {
	store := newFakeStore()
	from := time.Now().AddDate(0, 0, -30)
	to := time.Now().AddDate(0, 0, -1)
	store.rangeFrom, store.rangeTo = &from, &to

	fetcher := &fakeFetcher{}
	svc := newTestService(store, fetcher, nil)
	if err := svc.SelectiveRefresh(context.Background(), []string{ScopeCandidates}, Progress{}); err != nil {
		t.Fatalf("SelectiveRefresh failed: %v", err)
	}

	floor := time.Now().AddDate(0, 0, -config.CandidateWindowFloorDays)
	if got := fetcher.gotFilters["date_from"]; got != floor.Format("2006-01-02") {
		t.Errorf("date_from = %s, want floored %s", got, floor.Format("2006-01-02"))
	}
}

func TestSelectiveRefreshEnrichesTrackedUnion(t *testing.T) {
	store := newFakeStore()
	store.followed = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "a", StatusText: "Publicada"},
		{ID: 2, Code: "CA-2", Title: "b", StatusText: "Publicada"},
	}
	// CA-2 is both followed and bid; it must be enriched once.
	store.bid = []models.ScoringRow{
		{ID: 2, Code: "CA-2", Title: "b", StatusText: "Publicada"},
	}
	fetcher := &fakeFetcher{details: map[string]*scrape.Detail{
		"CA-1": {Description: "x", Status: "Publicada"},
		"CA-2": {Description: "y", Status: "Publicada"},
	}}

	svc := newTestService(store, fetcher, nil)
	err := svc.SelectiveRefresh(context.Background(), []string{ScopeFollowed, ScopeBid}, Progress{})
	if err != nil {
		t.Fatalf("SelectiveRefresh failed: %v", err)
	}
	if len(store.detailCodes) != 2 {
		t.Errorf("detail codes = %v, want CA-1 and CA-2 once each", store.detailCodes)
	}
}

func TestImportCodesNormalizesAndAppliesDisposition(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{details: map[string]*scrape.Detail{
		"CA-77-2026": {Description: "suministro de pintura latex para mantención de edificios municipales y reposición de esmaltes al agua en todas las dependencias comunales durante el año", Status: "Publicada"},
	}}

	svc := newTestService(store, fetcher, nil)
	imported, err := svc.ImportCodes(context.Background(), []string{"  ca-77-2026 ", "", "CA-MISSING"}, "follow", Progress{})
	if err != nil {
		t.Fatalf("ImportCodes failed: %v", err)
	}
	if imported != 1 {
		t.Errorf("imported = %d, want 1", imported)
	}
	if len(store.imported) != 1 || store.imported[0] != "CA-77-2026" {
		t.Errorf("imported codes = %v, want trimmed uppercase", store.imported)
	}
	if store.flags["CA-77-2026"] != "followed" {
		t.Errorf("disposition not applied: %v", store.flags)
	}
}

func TestCleanupUsesConfiguredWindows(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeFetcher{}, nil)

	closed, deleted, err := svc.Cleanup(context.Background(), Progress{})
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if closed != 2 || deleted != 1 {
		t.Errorf("cleanup counts = (%d, %d), want (2, 1)", closed, deleted)
	}
	if store.softDays != config.SoftCloseGraceDays || store.hardDays != config.HardDeleteAfterDays {
		t.Errorf("retention windows = (%d, %d), want (%d, %d)",
			store.softDays, store.hardDays, config.SoftCloseGraceDays, config.HardDeleteAfterDays)
	}
}

func TestCheckSessionWrapsHealthErrors(t *testing.T) {
	fetcher := &fakeFetcher{healthErr: scrape.ErrUnhealthy}
	svc := newTestService(newFakeStore(), fetcher, nil)

	err := svc.CheckSession(context.Background(), Progress{})
	if kind, ok := KindOf(err); !ok || kind != KindSessionHealth {
		t.Errorf("kind = %v, want session_health", kind)
	}
	if !errors.Is(err, scrape.ErrUnhealthy) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestFullRefreshPercentNeverDecreases(t *testing.T) {
	store := newFakeStore()
	store.rows = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "compra de ferreteria", StatusText: "Publicada", Score: 0},
	}
	store.candidates = []models.ScoringRow{
		{ID: 1, Code: "CA-1", Title: "compra de ferreteria", StatusText: "Publicada", Score: 12},
		{ID: 2, Code: "CA-2", Title: "otra compra", StatusText: "Publicada", Score: 11},
	}
	fetcher := &fakeFetcher{
		items: []scrape.ListingItem{{Code: "CA-1", Title: "compra de ferreteria", Status: "Publicada"}},
		details: map[string]*scrape.Detail{
			"CA-1": {Description: "ferreteria general", Status: "Publicada"},
			"CA-2": {Description: "algo", Status: "Publicada"},
		},
	}
	rules := &fakeRules{keywords: []score.Keyword{{ID: 1, Text: "ferreteria", TitlePoints: 12}}}

	var seen []int
	progress := Progress{OnPercent: func(pct int) { seen = append(seen, pct) }}

	svc := newTestService(store, fetcher, rules)
	if _, err := svc.FullRefresh(context.Background(), RefreshOptions{}, progress); err != nil {
		t.Fatalf("FullRefresh failed: %v", err)
	}

	if len(seen) == 0 {
		t.Fatal("no percent reports")
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("percent decreased: %d -> %d (sequence %v)", seen[i-1], seen[i], seen)
		}
	}
	if last := seen[len(seen)-1]; last != 100 {
		t.Errorf("final percent = %d, want 100", last)
	}
}

func TestProgressZeroValueIsSafe(t *testing.T) {
	var p Progress
	p.Text("no sink %d", 1)
	p.Percent(150)

	calls := 0
	p = Progress{OnPercent: func(pct int) {
		calls++
		if pct < 0 || pct > 100 {
			t.Errorf("percent out of range: %d", pct)
		}
	}}
	p.Percent(-5)
	p.Percent(250)
	if calls != 2 {
		t.Errorf("percent sink called %d times, want 2", calls)
	}
}

func TestRunnerRefusesConcurrentForeground(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeFetcher{}, nil)
	runner := NewRunner(svc)

	release := make(chan struct{})
	started := make(chan struct{})
	id1, err := runner.Start("full_refresh", func(ctx context.Context, progress Progress) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("first job rejected: %v", err)
	}
	<-started

	if _, err := runner.Start("rescore", func(ctx context.Context, progress Progress) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("second foreground job must be refused, got %v", err)
	}

	status, ok := runner.Current()
	if !ok || status.ID != id1 || status.Status != "running" {
		t.Errorf("current job = %+v", status)
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		status, _ = runner.Current()
		if status.Status == "completed" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := runner.Start("rescore", func(ctx context.Context, progress Progress) (any, error) {
		return nil, nil
	}); err != nil {
		t.Errorf("runner must accept a new job after completion: %v", err)
	}
}
