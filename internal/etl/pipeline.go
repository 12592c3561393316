package etl

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/models"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

// Storage is the slice of the store the pipeline depends on.
type Storage interface {
	BulkUpsert(ctx context.Context, items []scrape.ListingItem) (int, error)
	UpdateDetail(ctx context.Context, code string, d *scrape.Detail, total int, breakdown []score.Entry) error
	InsertImported(ctx context.Context, code, title string, d *scrape.Detail, total int, breakdown []score.Entry) (int, error)
	UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error
	FetchForRescoring(ctx context.Context) ([]models.ScoringRow, error)
	CandidatesForDetail(ctx context.Context, minScore int) ([]models.ScoringRow, error)
	FetchFollowed(ctx context.Context) ([]models.ScoringRow, error)
	FetchBid(ctx context.Context) ([]models.ScoringRow, error)
	MarkOrganizationsSeen(ctx context.Context) error
	SoftCloseStale(ctx context.Context, graceDays int) (int, error)
	HardDeleteOld(ctx context.Context, retentionDays int) (int, error)
	ActiveCandidateDateRange(ctx context.Context) (*time.Time, *time.Time, error)
	SetTrackingFlag(ctx context.Context, code, flag string, on bool) error
	CreateRun(ctx context.Context, operation string) (string, error)
	CompleteRun(ctx context.Context, runID, status string, found, saved, errCount int, details string) error
}

// Fetcher is the slice of the portal client the pipeline depends on.
type Fetcher interface {
	FetchListing(ctx context.Context, filters scrape.Filters, maxPages int, progress func(string)) ([]scrape.ListingItem, error)
	FetchDetail(ctx context.Context, code string) (*scrape.Detail, error)
	CheckHealth(ctx context.Context, progress func(string)) error
}

// Service sequences discovery, persistence, scoring, enrichment, and
// retention. Each operation is independent and re-entrant; the only shared
// state is the score engine's rule snapshot.
type Service struct {
	store    Storage
	fetcher  Fetcher
	engine   *score.Engine
	settings *config.Settings
}

func NewService(store Storage, fetcher Fetcher, engine *score.Engine, settings *config.Settings) *Service {
	return &Service{store: store, fetcher: fetcher, engine: engine, settings: settings}
}

// RefreshOptions tune a full refresh. Zero values fall back to the
// configured defaults.
type RefreshOptions struct {
	DateFrom time.Time
	DateTo   time.Time
	MaxPages int
}

// runRecorder opens an etl_runs row and returns the closure that finalizes
// it. Bookkeeping failures are logged, never fatal.
func (s *Service) runRecorder(ctx context.Context, operation string) func(found, saved, errCount int, opErr error) {
	start := time.Now()
	runID, err := s.store.CreateRun(ctx, operation)
	if err != nil {
		log.Printf("[%s] Failed to create run record: %v", operation, err)
	}

	return func(found, saved, errCount int, opErr error) {
		if runID == "" {
			return
		}
		status := "completed"
		if opErr != nil {
			status = "failed"
		}
		details := fmt.Sprintf(`{"duration_ms": %d}`, time.Since(start).Milliseconds())
		if err := s.store.CompleteRun(ctx, runID, status, found, saved, errCount, details); err != nil {
			log.Printf("[%s] Failed to complete run record: %v", operation, err)
		}
	}
}

// FullRefresh sweeps the listing for a date window, upserts everything,
// rescore-checks all stored rows, and enriches the best description-less
// candidates. Returns the number of items found in the sweep.
func (s *Service) FullRefresh(ctx context.Context, opts RefreshOptions, progress Progress) (found int, err error) {
	var saved, errCount int
	complete := s.runRecorder(ctx, "full_refresh")
	defer func() { complete(found, saved, errCount, err) }()

	if opts.DateTo.IsZero() {
		opts.DateTo = time.Now()
	}
	if opts.DateFrom.IsZero() {
		opts.DateFrom = opts.DateTo.AddDate(0, 0, -s.settings.DateWindowDays)
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = s.settings.MaxPages
	}

	if err = wrap(KindScoring, "full refresh", s.engine.Reload(ctx)); err != nil {
		return 0, err
	}
	if err = wrap(KindLoad, "full refresh", s.store.MarkOrganizationsSeen(ctx)); err != nil {
		return 0, err
	}

	progress.Text("Buscando oportunidades del %s al %s...",
		opts.DateFrom.Format("2006-01-02"), opts.DateTo.Format("2006-01-02"))

	items, ferr := s.fetcher.FetchListing(ctx,
		scrape.DateRangeFilters(opts.DateFrom, opts.DateTo), opts.MaxPages, progress.textSink())
	if ferr != nil {
		err = wrap(KindAcquisition, "full refresh", ferr)
		return 0, err
	}
	found = len(items)
	progress.Text("Se encontraron %d oportunidades", found)
	progress.Percent(30)

	saved, serr := s.store.BulkUpsert(ctx, items)
	if serr != nil {
		err = wrap(KindLoad, "full refresh", serr)
		return found, err
	}
	log.Printf("[full_refresh] Upserted %d/%d items", saved, found)
	progress.Percent(50)

	if err = wrap(KindScoring, "full refresh", s.rescoreStored(ctx, progress.band(50, 70))); err != nil {
		return found, err
	}
	progress.Percent(70)

	candidates, cerr := s.store.CandidatesForDetail(ctx, s.settings.DetailMinScore)
	if cerr != nil {
		err = wrap(KindScoring, "full refresh", cerr)
		return found, err
	}

	enriched, enrichErrs, eerr := s.enrichDetails(ctx, candidates, progress.band(70, 100))
	errCount = enrichErrs
	saved += enriched
	if eerr != nil {
		err = wrap(KindEnrichment, "full refresh", eerr)
		return found, err
	}

	progress.Percent(100)
	progress.Text("Actualización completa: %d oportunidades, %d enriquecidas", found, enriched)
	return found, nil
}

// Selective refresh scope names.
const (
	ScopeCandidates = "candidates"
	ScopeFollowed   = "followed"
	ScopeBid        = "bid"
)

// SelectiveRefresh re-sweeps the active candidate window (when the
// candidates scope is present) and re-enriches the union of followed and bid
// opportunities, whatever their previous detail state.
func (s *Service) SelectiveRefresh(ctx context.Context, scopes []string, progress Progress) (err error) {
	var found, saved, errCount int
	complete := s.runRecorder(ctx, "selective_refresh")
	defer func() { complete(found, saved, errCount, err) }()

	if len(scopes) == 0 {
		scopes = []string{ScopeCandidates, ScopeFollowed, ScopeBid}
	}
	want := map[string]bool{}
	for _, scope := range scopes {
		want[strings.ToLower(strings.TrimSpace(scope))] = true
	}

	if err = wrap(KindScoring, "selective refresh", s.engine.Reload(ctx)); err != nil {
		return err
	}

	if want[ScopeCandidates] {
		from, to, rerr := s.store.ActiveCandidateDateRange(ctx)
		if rerr != nil {
			err = wrap(KindLoad, "selective refresh", rerr)
			return err
		}
		if from != nil && to != nil {
			today := time.Now()
			floor := today.AddDate(0, 0, -config.CandidateWindowFloorDays)
			windowFrom, windowTo := *from, *to
			if windowFrom.Before(floor) {
				windowFrom = floor
			}
			if windowTo.After(today) {
				windowTo = today
			}

			progress.Text("Refrescando candidatas del %s al %s...",
				windowFrom.Format("2006-01-02"), windowTo.Format("2006-01-02"))
			items, ferr := s.fetcher.FetchListing(ctx,
				scrape.DateRangeFilters(windowFrom, windowTo), 0, progress.textSink())
			if ferr != nil {
				err = wrap(KindAcquisition, "selective refresh", ferr)
				return err
			}
			found = len(items)

			upserted, serr := s.store.BulkUpsert(ctx, items)
			if serr != nil {
				err = wrap(KindLoad, "selective refresh", serr)
				return err
			}
			saved += upserted

			if err = wrap(KindScoring, "selective refresh", s.rescoreStored(ctx, progress.band(0, 40))); err != nil {
				return err
			}
		}
	}
	progress.Percent(40)

	var tracked []models.ScoringRow
	if want[ScopeFollowed] {
		rows, ferr := s.store.FetchFollowed(ctx)
		if ferr != nil {
			err = wrap(KindLoad, "selective refresh", ferr)
			return err
		}
		tracked = append(tracked, rows...)
	}
	if want[ScopeBid] {
		rows, ferr := s.store.FetchBid(ctx)
		if ferr != nil {
			err = wrap(KindLoad, "selective refresh", ferr)
			return err
		}
		tracked = append(tracked, rows...)
	}
	tracked = dedupeRows(tracked)

	enriched, enrichErrs, eerr := s.enrichDetails(ctx, tracked, progress.band(40, 100))
	saved += enriched
	errCount = enrichErrs
	if eerr != nil {
		err = wrap(KindEnrichment, "selective refresh", eerr)
		return err
	}

	progress.Percent(100)
	progress.Text("Actualización selectiva completa: %d seguidas/postuladas refrescadas", enriched)
	return nil
}

// RescoreAll reloads the rules and recomputes every stored opportunity's
// score from stored fields, no network I/O, writing only changed rows.
func (s *Service) RescoreAll(ctx context.Context, progress Progress) (err error) {
	var found, saved int
	complete := s.runRecorder(ctx, "rescore")
	defer func() { complete(found, saved, 0, err) }()

	progress.Text("Recargando reglas de puntaje...")
	if err = wrap(KindRecalculation, "rescore", s.engine.Reload(ctx)); err != nil {
		return err
	}

	rows, rerr := s.store.FetchForRescoring(ctx)
	if rerr != nil {
		err = wrap(KindRecalculation, "rescore", rerr)
		return err
	}
	found = len(rows)

	updates := s.changedScores(rows, progress)
	saved = len(updates)
	if err = wrap(KindRecalculation, "rescore", s.store.UpdateScores(ctx, updates)); err != nil {
		return err
	}

	progress.Percent(100)
	progress.Text("Repuntaje completo: %d de %d oportunidades actualizadas", saved, found)
	return nil
}

// ImportCodes fetches detail records for operator-supplied codes, bypassing
// listing discovery, and applies the chosen disposition ("follow" or "bid")
// to each imported opportunity.
func (s *Service) ImportCodes(ctx context.Context, codes []string, disposition string, progress Progress) (imported int, err error) {
	var errCount int
	complete := s.runRecorder(ctx, "import")
	defer func() { complete(len(codes), imported, errCount, err) }()

	if err = wrap(KindScoring, "import", s.engine.Reload(ctx)); err != nil {
		return 0, err
	}

	flag := ""
	switch strings.ToLower(strings.TrimSpace(disposition)) {
	case "follow":
		flag = "followed"
	case "bid":
		flag = "bid"
	}

	var systemic error
	for i, raw := range codes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			continue
		}
		progress.Text("Importando %s...", code)
		progress.Percent(i * 100 / len(codes))

		detail, ferr := s.fetcher.FetchDetail(ctx, code)
		if ferr != nil {
			log.Printf("[import] %s failed: %v", code, ferr)
			errCount++
			systemic = ferr
			continue
		}
		if detail == nil {
			log.Printf("[import] %s not found on the portal, skipping", code)
			errCount++
			continue
		}

		title := truncate(detail.Description, 100)
		total, breakdown := s.scoreDetailRecord(title, detail)
		if _, serr := s.store.InsertImported(ctx, code, title, detail, total, breakdown); serr != nil {
			log.Printf("[import] Failed to save %s: %v", code, serr)
			errCount++
			continue
		}
		if flag != "" {
			if terr := s.store.SetTrackingFlag(ctx, code, flag, true); terr != nil {
				log.Printf("[import] Failed to mark %s as %s: %v", code, flag, terr)
			}
		}
		imported++
	}

	if systemic != nil && imported == 0 {
		err = wrap(KindEnrichment, "import", systemic)
		return imported, err
	}

	progress.Percent(100)
	progress.Text("Importación completa: %d de %d códigos", imported, len(codes))
	return imported, nil
}

// Cleanup applies the retention rules: published rows past the grace period
// get locally closed, untracked non-published rows past the retention window
// get deleted. Followed or bid rows are never touched by deletion.
func (s *Service) Cleanup(ctx context.Context, progress Progress) (closed, deleted int, err error) {
	complete := s.runRecorder(ctx, "cleanup")
	defer func() { complete(0, closed+deleted, 0, err) }()

	progress.Text("Cerrando oportunidades vencidas...")
	closed, cerr := s.store.SoftCloseStale(ctx, config.SoftCloseGraceDays)
	if cerr != nil {
		err = wrap(KindLoad, "cleanup", cerr)
		return 0, 0, err
	}

	progress.Text("Eliminando oportunidades antiguas...")
	deleted, derr := s.store.HardDeleteOld(ctx, config.HardDeleteAfterDays)
	if derr != nil {
		err = wrap(KindLoad, "cleanup", derr)
		return closed, 0, err
	}

	progress.Percent(100)
	progress.Text("Limpieza completa: %d cerradas, %d eliminadas", closed, deleted)
	log.Printf("[cleanup] %d soft-closed, %d deleted", closed, deleted)
	return closed, deleted, nil
}

// CheckSession runs the fail-fast health check distinct from lazy
// acquisition.
func (s *Service) CheckSession(ctx context.Context, progress Progress) error {
	return wrap(KindSessionHealth, "session check", s.fetcher.CheckHealth(ctx, progress.textSink()))
}

// rescoreStored recomputes every stored row and writes only the ones whose
// score changed.
func (s *Service) rescoreStored(ctx context.Context, progress Progress) error {
	rows, err := s.store.FetchForRescoring(ctx)
	if err != nil {
		return err
	}
	updates := s.changedScores(rows, progress)
	if len(updates) == 0 {
		return nil
	}
	log.Printf("[rescore] %d of %d rows changed score", len(updates), len(rows))
	return s.store.UpdateScores(ctx, updates)
}

// changedScores computes the full score for each row and keeps only the
// rows whose stored value differs.
func (s *Service) changedScores(rows []models.ScoringRow, progress Progress) []models.ScoreUpdate {
	var updates []models.ScoreUpdate
	for i, row := range rows {
		if i%200 == 0 {
			progress.Percent(i * 100 / len(rows))
		}
		total, breakdown := s.computeFull(row)
		if total == row.Score {
			continue
		}
		updates = append(updates, models.ScoreUpdate{ID: row.ID, Score: total, Breakdown: breakdown})
	}
	return updates
}

// computeFull scores a stored row: basic phase always, detail phase when
// enriched fields exist.
func (s *Service) computeFull(row models.ScoringRow) (int, []score.Entry) {
	total, entries := s.engine.ScoreBasic(score.BasicInput{
		Title:        row.Title,
		Status:       row.StatusText,
		Organization: row.OrgName,
	})

	desc := ""
	if row.Description != nil {
		desc = *row.Description
	}
	if desc != "" || len(row.LineItems) > 0 {
		detailScore, detailEntries := s.engine.ScoreDetail(score.DetailInput{
			Description: desc,
			Products:    productTexts(row.LineItems),
		})
		total += detailScore
		entries = append(entries, detailEntries...)
	}
	return total, entries
}

// enrichDetails runs the per-item detail loop. Absent records are skipped;
// store failures are logged and skipped; fetch errors are remembered and,
// when nothing at all succeeded, propagated after the batch as a systemic
// failure.
func (s *Service) enrichDetails(ctx context.Context, rows []models.ScoringRow, progress Progress) (saved, errCount int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	progress.Text("Obteniendo detalle de %d oportunidades...", len(rows))

	var systemic error
	for i, row := range rows {
		progress.Percent(i * 100 / len(rows))

		detail, ferr := s.fetcher.FetchDetail(ctx, row.Code)
		if ferr != nil {
			log.Printf("[enrich] %s failed: %v", row.Code, ferr)
			errCount++
			systemic = ferr
			continue
		}
		if detail == nil {
			log.Printf("[enrich] %s has no detail record, skipping", row.Code)
			continue
		}

		total, breakdown := s.scoreEnriched(row, detail)
		if serr := s.store.UpdateDetail(ctx, row.Code, detail, total, breakdown); serr != nil {
			log.Printf("[enrich] Failed to save %s: %v", row.Code, serr)
			errCount++
			continue
		}
		saved++

		time.Sleep(config.DetailDelayMillis * time.Millisecond)
	}

	if systemic != nil && saved == 0 {
		return saved, errCount, fmt.Errorf("detail batch failed systemically: %w", systemic)
	}
	return saved, errCount, nil
}

// scoreEnriched recomputes the basic phase with the fresher detail fields
// (status may have flipped to a second call) and adds the detail phase.
func (s *Service) scoreEnriched(row models.ScoringRow, detail *scrape.Detail) (int, []score.Entry) {
	status := detail.Status
	if status == "" {
		status = row.StatusText
	}
	org := detail.Organization
	if org == "" {
		org = row.OrgName
	}

	total, entries := s.engine.ScoreBasic(score.BasicInput{
		Title:        row.Title,
		Status:       status,
		Organization: org,
	})
	detailScore, detailEntries := s.engine.ScoreDetail(score.DetailInput{
		Description: detail.Description,
		Products:    productTexts(detail.LineItems),
	})
	return total + detailScore, append(entries, detailEntries...)
}

// scoreDetailRecord scores a manually imported record that has no stored
// listing row behind it.
func (s *Service) scoreDetailRecord(title string, detail *scrape.Detail) (int, []score.Entry) {
	total, entries := s.engine.ScoreBasic(score.BasicInput{
		Title:        title,
		Status:       detail.Status,
		Organization: detail.Organization,
	})
	detailScore, detailEntries := s.engine.ScoreDetail(score.DetailInput{
		Description: detail.Description,
		Products:    productTexts(detail.LineItems),
	})
	return total + detailScore, append(entries, detailEntries...)
}

func productTexts(items []scrape.LineItem) []score.ProductText {
	out := make([]score.ProductText, 0, len(items))
	for _, item := range items {
		out = append(out, score.ProductText{Name: item.Name, Description: item.Description})
	}
	return out
}

func dedupeRows(rows []models.ScoringRow) []models.ScoringRow {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, row := range rows {
		if seen[row.Code] {
			continue
		}
		seen[row.Code] = true
		out = append(out, row)
	}
	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
