package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rbaeza/agil-tracker/internal/models"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

// ErrNotFound marks a lookup by code that matched nothing.
var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// unknownOrg is the fallback buyer name for items whose payload carried none.
const unknownOrg = "Organismo desconocido"

// ensureOrg returns the id for an organization name, creating the row on
// first sight. New rows keep is_new = true until the next full refresh marks
// them seen.
func ensureOrg(ctx context.Context, tx pgx.Tx, name string) (int, error) {
	if name == "" {
		name = unknownOrg
	}
	var id int
	err := tx.QueryRow(ctx, `
		INSERT INTO organizations (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING org_id
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensuring organization %q: %w", name, err)
	}
	return id, nil
}

// BulkUpsert inserts listing items and refreshes only the volatile fields of
// already-known codes. Rows whose volatile fields are unchanged produce no
// write. Returns the number of rows actually inserted or updated.
func (s *Store) BulkUpsert(ctx context.Context, items []scrape.ListingItem) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := 0
	for _, item := range items {
		if item.Code == "" {
			continue
		}

		orgID, err := ensureOrg(ctx, tx, item.Organization)
		if err != nil {
			return saved, err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO opportunities (
				code, title, amount, published_on, closes_at,
				status_text, convocation_state, bidder_count, org_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (code) DO UPDATE SET
				status_text = EXCLUDED.status_text,
				closes_at = COALESCE(EXCLUDED.closes_at, opportunities.closes_at),
				convocation_state = EXCLUDED.convocation_state,
				bidder_count = EXCLUDED.bidder_count,
				amount = EXCLUDED.amount,
				updated_at = NOW()
			WHERE (opportunities.status_text, opportunities.convocation_state,
			       opportunities.bidder_count, opportunities.amount)
			      IS DISTINCT FROM
			      (EXCLUDED.status_text, EXCLUDED.convocation_state,
			       EXCLUDED.bidder_count, EXCLUDED.amount)
			   OR EXCLUDED.closes_at IS DISTINCT FROM opportunities.closes_at
		`, item.Code, item.Title, item.Amount, item.PublishedOn, item.ClosesAt,
			item.Status, item.ConvocationState, item.BidderCount, orgID)
		if err != nil {
			return saved, fmt.Errorf("upserting %s: %w", item.Code, err)
		}
		saved += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return saved, fmt.Errorf("commit upsert tx: %w", err)
	}
	return saved, nil
}

// UpdateDetail writes the enriched fields and the final score for one code.
// The detail payload wins over listing-level values except where it is empty.
func (s *Store) UpdateDetail(ctx context.Context, code string, d *scrape.Detail, total int, breakdown []score.Entry) error {
	lineItems, err := json.Marshal(d.LineItems)
	if err != nil {
		return fmt.Errorf("encoding line items for %s: %w", code, err)
	}
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("encoding breakdown for %s: %w", code, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin detail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var orgID *int
	if d.Organization != "" {
		id, err := ensureOrg(ctx, tx, d.Organization)
		if err != nil {
			return err
		}
		orgID = &id
	}

	tag, err := tx.Exec(ctx, `
		UPDATE opportunities SET
			description = $2,
			delivery_address = $3,
			closes_at = COALESCE($4, closes_at),
			second_call_closes_at = COALESCE($5, second_call_closes_at),
			line_items = $6::jsonb,
			status_text = CASE WHEN $7 <> '' THEN $7 ELSE status_text END,
			bidder_count = CASE WHEN $8 > 0 THEN $8 ELSE bidder_count END,
			convocation_state = COALESCE($9, convocation_state),
			delivery_term_days = COALESCE($10, delivery_term_days),
			amount = CASE WHEN $11 > 0 THEN $11 ELSE amount END,
			org_id = COALESCE($12, org_id),
			score = $13,
			score_breakdown = $14::jsonb,
			updated_at = NOW()
		WHERE code = $1
	`, code, d.Description, d.DeliveryAddress, d.FirstCallClose, d.SecondCallClose,
		string(lineItems), d.Status, d.BidderCount, d.ConvocationState,
		d.DeliveryTermDays, d.Amount, orgID, total, string(breakdownJSON))
	if err != nil {
		return fmt.Errorf("updating detail for %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating detail for %s: %w", code, ErrNotFound)
	}

	return tx.Commit(ctx)
}

// InsertImported creates or refreshes an opportunity from a manually fetched
// detail record, outside the listing flow. Returns the code's opp_id.
func (s *Store) InsertImported(ctx context.Context, code, title string, d *scrape.Detail, total int, breakdown []score.Entry) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import tx: %w", err)
	}
	defer tx.Rollback(ctx)

	orgName := d.Organization
	if orgName == "" {
		orgName = "Importado Manual"
	}
	orgID, err := ensureOrg(ctx, tx, orgName)
	if err != nil {
		return 0, err
	}

	lineItems, err := json.Marshal(d.LineItems)
	if err != nil {
		return 0, fmt.Errorf("encoding line items for %s: %w", code, err)
	}
	breakdownJSON, err := json.Marshal(breakdown)
	if err != nil {
		return 0, fmt.Errorf("encoding breakdown for %s: %w", code, err)
	}

	var id int
	err = tx.QueryRow(ctx, `
		INSERT INTO opportunities (
			code, title, description, amount, published_on, closes_at,
			second_call_closes_at, status_text, convocation_state, bidder_count,
			delivery_address, delivery_term_days, line_items, score,
			score_breakdown, org_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, 0), $10, $11, $12,
			$13::jsonb, $14, $15::jsonb, $16)
		ON CONFLICT (code) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			amount = EXCLUDED.amount,
			closes_at = COALESCE(EXCLUDED.closes_at, opportunities.closes_at),
			second_call_closes_at = COALESCE(EXCLUDED.second_call_closes_at, opportunities.second_call_closes_at),
			status_text = EXCLUDED.status_text,
			convocation_state = EXCLUDED.convocation_state,
			bidder_count = EXCLUDED.bidder_count,
			delivery_address = EXCLUDED.delivery_address,
			delivery_term_days = COALESCE(EXCLUDED.delivery_term_days, opportunities.delivery_term_days),
			line_items = EXCLUDED.line_items,
			score = EXCLUDED.score,
			score_breakdown = EXCLUDED.score_breakdown,
			org_id = EXCLUDED.org_id,
			updated_at = NOW()
		RETURNING opp_id
	`, code, title, d.Description, d.Amount, d.PublishedOn, d.FirstCallClose,
		d.SecondCallClose, d.Status, d.ConvocationState, d.BidderCount,
		d.DeliveryAddress, d.DeliveryTermDays, string(lineItems), total,
		string(breakdownJSON), orgID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("importing %s: %w", code, err)
	}

	return id, tx.Commit(ctx)
}

// UpdateScores writes a batch of recomputed scores in one round trip.
func (s *Store) UpdateScores(ctx context.Context, updates []models.ScoreUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range updates {
		breakdown, err := json.Marshal(u.Breakdown)
		if err != nil {
			return fmt.Errorf("encoding breakdown for id %d: %w", u.ID, err)
		}
		batch.Queue(`
			UPDATE opportunities
			SET score = $1, score_breakdown = $2::jsonb, updated_at = NOW()
			WHERE opp_id = $3
		`, u.Score, string(breakdown), u.ID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range updates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch score update: %w", err)
		}
	}
	return nil
}

const scoringCols = `
	o.opp_id, o.code, o.title, o.description, o.status_text,
	COALESCE(org.name, ''), COALESCE(o.line_items, '[]'::jsonb), o.score
	FROM opportunities o
	LEFT JOIN organizations org ON org.org_id = o.org_id`

func scanScoringRows(rows pgx.Rows) ([]models.ScoringRow, error) {
	defer rows.Close()

	var out []models.ScoringRow
	for rows.Next() {
		var r models.ScoringRow
		var lineItemsRaw []byte
		if err := rows.Scan(&r.ID, &r.Code, &r.Title, &r.Description,
			&r.StatusText, &r.OrgName, &lineItemsRaw, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning scoring row: %w", err)
		}
		if len(lineItemsRaw) > 0 {
			_ = json.Unmarshal(lineItemsRaw, &r.LineItems)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchForRescoring returns every stored opportunity's scoring-relevant
// fields.
func (s *Store) FetchForRescoring(ctx context.Context) ([]models.ScoringRow, error) {
	rows, err := s.pool.Query(ctx, "SELECT"+scoringCols+" ORDER BY o.opp_id")
	if err != nil {
		return nil, fmt.Errorf("fetching rows for rescoring: %w", err)
	}
	return scanScoringRows(rows)
}

// CandidatesForDetail returns opportunities above the relevance threshold
// that have not been enriched yet, best first.
func (s *Store) CandidatesForDetail(ctx context.Context, minScore int) ([]models.ScoringRow, error) {
	rows, err := s.pool.Query(ctx, "SELECT"+scoringCols+`
		WHERE o.description IS NULL AND o.score >= $1
		ORDER BY o.score DESC, o.opp_id`, minScore)
	if err != nil {
		return nil, fmt.Errorf("fetching detail candidates: %w", err)
	}
	return scanScoringRows(rows)
}

// FetchFollowed returns the opportunities the operator follows.
func (s *Store) FetchFollowed(ctx context.Context) ([]models.ScoringRow, error) {
	rows, err := s.pool.Query(ctx, "SELECT"+scoringCols+`
		JOIN tracking t ON t.opp_id = o.opp_id
		WHERE t.followed ORDER BY o.opp_id`)
	if err != nil {
		return nil, fmt.Errorf("fetching followed: %w", err)
	}
	return scanScoringRows(rows)
}

// FetchBid returns the opportunities the operator has bid on.
func (s *Store) FetchBid(ctx context.Context) ([]models.ScoringRow, error) {
	rows, err := s.pool.Query(ctx, "SELECT"+scoringCols+`
		JOIN tracking t ON t.opp_id = o.opp_id
		WHERE t.bid ORDER BY o.opp_id`)
	if err != nil {
		return nil, fmt.Errorf("fetching bid: %w", err)
	}
	return scanScoringRows(rows)
}

// MarkOrganizationsSeen clears the is_new flag on every organization. Runs
// at the start of a full refresh so that only buyers discovered by the new
// sweep stay flagged.
func (s *Store) MarkOrganizationsSeen(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "UPDATE organizations SET is_new = FALSE WHERE is_new")
	if err != nil {
		return fmt.Errorf("marking organizations seen: %w", err)
	}
	return nil
}

// ListOrganizations returns buyers, optionally only those first seen in the
// latest sweep.
func (s *Store) ListOrganizations(ctx context.Context, onlyNew bool) ([]models.Organization, error) {
	query := "SELECT org_id, name, is_new FROM organizations"
	if onlyNew {
		query += " WHERE is_new"
	}
	query += " ORDER BY name"

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.IsNew); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Retention statements. The effective closing date is the second call's
// when one exists, the original otherwise.
const (
	softCloseSQL = `
		UPDATE opportunities
		SET status_text = 'Cerrada', updated_at = NOW()
		WHERE status_text ILIKE '%publicada%'
		  AND COALESCE(second_call_closes_at, closes_at) < NOW() - ($1 * INTERVAL '1 day')`

	hardDeleteSQL = `
		DELETE FROM opportunities o
		WHERE o.status_text NOT ILIKE '%publicada%'
		  AND COALESCE(o.second_call_closes_at, o.closes_at) < NOW() - ($1 * INTERVAL '1 day')
		  AND NOT EXISTS (
			SELECT 1 FROM tracking t
			WHERE t.opp_id = o.opp_id AND (t.followed OR t.bid)
		  )`
)

// SoftCloseStale relabels opportunities still claiming "Publicada" whose
// effective closing date fell more than graceDays in the past. The portal
// sometimes never flips these itself.
func (s *Store) SoftCloseStale(ctx context.Context, graceDays int) (int, error) {
	tag, err := s.pool.Exec(ctx, softCloseSQL, graceDays)
	if err != nil {
		return 0, fmt.Errorf("soft-closing stale rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HardDeleteOld removes non-published opportunities whose effective closing
// date is older than retentionDays. Followed or bid rows are never deleted,
// whatever their age.
func (s *Store) HardDeleteOld(ctx context.Context, retentionDays int) (int, error) {
	tag, err := s.pool.Exec(ctx, hardDeleteSQL, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("hard-deleting old rows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ActiveCandidateDateRange returns the min/max publication dates of active,
// untracked published opportunities. Both are nil when none qualify.
func (s *Store) ActiveCandidateDateRange(ctx context.Context) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(o.published_on), MAX(o.published_on)
		FROM opportunities o
		LEFT JOIN tracking t ON t.opp_id = o.opp_id
		WHERE o.status_text ILIKE '%publicada%'
		  AND COALESCE(t.followed, FALSE) = FALSE
		  AND COALESCE(t.bid, FALSE) = FALSE
	`).Scan(&from, &to)
	if err != nil {
		return nil, nil, fmt.Errorf("computing candidate date range: %w", err)
	}
	return from, to, nil
}

// trackingColumns whitelists the boolean disposition columns.
var trackingColumns = map[string]bool{"followed": true, "bid": true, "hidden": true}

// SetTrackingFlag flips one disposition (followed, bid, hidden) for a code.
func (s *Store) SetTrackingFlag(ctx context.Context, code, flag string, on bool) error {
	if !trackingColumns[flag] {
		return fmt.Errorf("unknown tracking flag %q", flag)
	}

	query := fmt.Sprintf(`
		INSERT INTO tracking (opp_id, %s)
		SELECT opp_id, $2 FROM opportunities WHERE code = $1
		ON CONFLICT (opp_id) DO UPDATE SET %s = EXCLUDED.%s
	`, flag, flag, flag)

	tag, err := s.pool.Exec(ctx, query, code, on)
	if err != nil {
		return fmt.Errorf("setting %s for %s: %w", flag, code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting %s for %s: %w", flag, code, ErrNotFound)
	}
	return nil
}

// SetNote stores the operator's free-text note for a code.
func (s *Store) SetNote(ctx context.Context, code, note string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tracking (opp_id, note)
		SELECT opp_id, $2 FROM opportunities WHERE code = $1
		ON CONFLICT (opp_id) DO UPDATE SET note = EXCLUDED.note
	`, code, note)
	if err != nil {
		return fmt.Errorf("setting note for %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("setting note for %s: %w", code, ErrNotFound)
	}
	return nil
}

// LoadKeywords implements score.RuleSource.
func (s *Store) LoadKeywords(ctx context.Context) ([]score.Keyword, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT keyword_id, keyword, title_points, description_points,
		       product_points, COALESCE(category, '')
		FROM keywords
	`)
	if err != nil {
		return nil, fmt.Errorf("loading keywords: %w", err)
	}
	defer rows.Close()

	var out []score.Keyword
	for rows.Next() {
		var k score.Keyword
		if err := rows.Scan(&k.ID, &k.Text, &k.TitlePoints, &k.DescriptionPoints,
			&k.ProductPoints, &k.Category); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// LoadOrgRules implements score.RuleSource.
func (s *Store) LoadOrgRules(ctx context.Context) ([]score.OrgRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.org_id, org.name, r.kind, r.points
		FROM org_rules r
		JOIN organizations org ON org.org_id = r.org_id
	`)
	if err != nil {
		return nil, fmt.Errorf("loading org rules: %w", err)
	}
	defer rows.Close()

	var out []score.OrgRule
	for rows.Next() {
		var r score.OrgRule
		if err := rows.Scan(&r.OrgID, &r.OrgName, &r.Kind, &r.Points); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListKeywords returns the operator's keyword rules.
func (s *Store) ListKeywords(ctx context.Context) ([]models.KeywordRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT keyword_id, keyword, title_points, description_points,
		       product_points, COALESCE(category, '')
		FROM keywords ORDER BY keyword
	`)
	if err != nil {
		return nil, fmt.Errorf("listing keywords: %w", err)
	}
	defer rows.Close()

	var out []models.KeywordRule
	for rows.Next() {
		var k models.KeywordRule
		if err := rows.Scan(&k.ID, &k.Keyword, &k.TitlePoints, &k.DescriptionPoints,
			&k.ProductPoints, &k.Category); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CreateKeyword adds a keyword rule, updating point values if the text
// already exists.
func (s *Store) CreateKeyword(ctx context.Context, k models.KeywordRule) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO keywords (keyword, title_points, description_points, product_points, category)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (keyword) DO UPDATE SET
			title_points = EXCLUDED.title_points,
			description_points = EXCLUDED.description_points,
			product_points = EXCLUDED.product_points,
			category = EXCLUDED.category
		RETURNING keyword_id
	`, k.Keyword, k.TitlePoints, k.DescriptionPoints, k.ProductPoints, k.Category).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating keyword %q: %w", k.Keyword, err)
	}
	return id, nil
}

// UpdateKeyword replaces one keyword rule's values.
func (s *Store) UpdateKeyword(ctx context.Context, k models.KeywordRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE keywords SET keyword = $2, title_points = $3, description_points = $4,
			product_points = $5, category = NULLIF($6, '')
		WHERE keyword_id = $1
	`, k.ID, k.Keyword, k.TitlePoints, k.DescriptionPoints, k.ProductPoints, k.Category)
	if err != nil {
		return fmt.Errorf("updating keyword %d: %w", k.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating keyword %d: %w", k.ID, ErrNotFound)
	}
	return nil
}

// DeleteKeyword removes one keyword rule.
func (s *Store) DeleteKeyword(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM keywords WHERE keyword_id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting keyword %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deleting keyword %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListOrgRules returns the operator's organization rules with buyer names.
func (s *Store) ListOrgRules(ctx context.Context) ([]models.OrgRuleView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.rule_id, r.org_id, org.name, r.kind, r.points
		FROM org_rules r
		JOIN organizations org ON org.org_id = r.org_id
		ORDER BY org.name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing org rules: %w", err)
	}
	defer rows.Close()

	var out []models.OrgRuleView
	for rows.Next() {
		var r models.OrgRuleView
		if err := rows.Scan(&r.ID, &r.OrgID, &r.OrgName, &r.Kind, &r.Points); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertOrgRule creates or replaces the single rule an organization can
// carry, provisioning the organization if needed.
func (s *Store) UpsertOrgRule(ctx context.Context, orgName, kind string, points int) (int, error) {
	if kind != score.RulePriority && kind != score.RuleUndesired {
		return 0, fmt.Errorf("unknown rule kind %q", kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	orgID, err := ensureOrg(ctx, tx, orgName)
	if err != nil {
		return 0, err
	}

	var ruleID int
	err = tx.QueryRow(ctx, `
		INSERT INTO org_rules (org_id, kind, points) VALUES ($1, $2, $3)
		ON CONFLICT (org_id) DO UPDATE SET kind = EXCLUDED.kind, points = EXCLUDED.points
		RETURNING rule_id
	`, orgID, kind, points).Scan(&ruleID)
	if err != nil {
		return 0, fmt.Errorf("upserting rule for %q: %w", orgName, err)
	}

	return ruleID, tx.Commit(ctx)
}

// DeleteOrgRule removes one organization rule.
func (s *Store) DeleteOrgRule(ctx context.Context, ruleID int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM org_rules WHERE rule_id = $1", ruleID)
	if err != nil {
		return fmt.Errorf("deleting org rule %d: %w", ruleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deleting org rule %d: %w", ruleID, ErrNotFound)
	}
	return nil
}

// CreateRun opens an etl_runs row for one pipeline operation.
func (s *Store) CreateRun(ctx context.Context, operation string) (string, error) {
	runID := uuid.NewString()
	_, err := s.pool.Exec(ctx,
		"INSERT INTO etl_runs (run_id, operation, status) VALUES ($1, $2, 'running')",
		runID, operation)
	if err != nil {
		return "", fmt.Errorf("creating run for %s: %w", operation, err)
	}
	return runID, nil
}

// CompleteRun closes an etl_runs row with its final counters.
func (s *Store) CompleteRun(ctx context.Context, runID, status string, found, saved, errCount int, details string) error {
	if details == "" {
		details = "{}"
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE etl_runs SET
			status = $2, items_found = $3, items_saved = $4, errors = $5,
			completed_at = NOW(), details = $6::jsonb
		WHERE run_id = $1
	`, runID, status, found, saved, errCount, details)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	return nil
}

// ListRuns returns the most recent pipeline executions.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, operation, status, items_found, items_saved, errors,
		       started_at, completed_at, COALESCE(details::text, '')
		FROM etl_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.Operation, &r.Status, &r.ItemsFound,
			&r.ItemsSaved, &r.Errors, &r.StartedAt, &r.CompletedAt, &r.Details); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListParams filters the API-facing opportunity views.
type ListParams struct {
	View          string // "candidates" (default), "followed", "bid", "all"
	MinScore      int
	IncludeHidden bool
	Limit         int
	Offset        int
}

const selectCols = `
	o.opp_id, o.code, o.title, o.description, o.amount, o.published_on,
	o.closes_at, o.second_call_closes_at, o.status_text, o.convocation_state,
	o.bidder_count, o.delivery_address, o.delivery_term_days,
	COALESCE(o.line_items, '[]'::jsonb), o.score,
	COALESCE(o.score_breakdown, '[]'::jsonb),
	COALESCE(org.name, ''), COALESCE(org.is_new, FALSE),
	COALESCE(t.followed, FALSE), COALESCE(t.bid, FALSE),
	COALESCE(t.hidden, FALSE), COALESCE(t.note, ''),
	o.created_at, o.updated_at
	FROM opportunities o
	LEFT JOIN organizations org ON org.org_id = o.org_id
	LEFT JOIN tracking t ON t.opp_id = o.opp_id`

func scanOpportunity(scan func(dest ...any) error) (models.Opportunity, error) {
	var o models.Opportunity
	var lineItemsRaw, breakdownRaw []byte

	err := scan(
		&o.ID, &o.Code, &o.Title, &o.Description, &o.Amount, &o.PublishedOn,
		&o.ClosesAt, &o.SecondCallClosesAt, &o.StatusText, &o.ConvocationState,
		&o.BidderCount, &o.DeliveryAddress, &o.DeliveryTermDays,
		&lineItemsRaw, &o.Score, &breakdownRaw,
		&o.Organization, &o.OrgIsNew,
		&o.Followed, &o.Bid, &o.Hidden, &o.Note,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	if len(lineItemsRaw) > 0 {
		_ = json.Unmarshal(lineItemsRaw, &o.LineItems)
	}
	if len(breakdownRaw) > 0 {
		_ = json.Unmarshal(breakdownRaw, &o.Breakdown)
	}
	o.WebURL = scrape.WebDetailURL(o.Code)
	return o, nil
}

// buildListConstraint maps a view name to its WHERE clause. The min-score
// placeholder applies only to the candidate view.
func buildListConstraint(view string, includeHidden bool) string {
	where := " WHERE 1=1"
	if !includeHidden {
		where += " AND COALESCE(t.hidden, FALSE) = FALSE"
	}
	switch view {
	case "followed":
		where += " AND COALESCE(t.followed, FALSE)"
	case "bid":
		where += " AND COALESCE(t.bid, FALSE)"
	case "all":
	default: // candidates
		where += ` AND o.status_text ILIKE '%publicada%'
			AND COALESCE(t.followed, FALSE) = FALSE
			AND COALESCE(t.bid, FALSE) = FALSE
			AND o.score >= $1`
	}
	return where
}

// ListOpportunities returns one of the operator views, best scores first.
func (s *Store) ListOpportunities(ctx context.Context, params ListParams) ([]models.Opportunity, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}

	query := "SELECT" + selectCols + buildListConstraint(params.View, params.IncludeHidden)
	query += " ORDER BY o.score DESC, o.published_on DESC NULLS LAST, o.opp_id"

	var args []any
	switch params.View {
	case "followed", "bid", "all":
		query += " LIMIT $1 OFFSET $2"
		args = []any{params.Limit, params.Offset}
	default:
		query += " LIMIT $2 OFFSET $3"
		args = []any{params.MinScore, params.Limit, params.Offset}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing opportunities: %w", err)
	}
	defer rows.Close()

	opps := []models.Opportunity{}
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	return opps, rows.Err()
}

// GetOpportunity returns one opportunity by code.
func (s *Store) GetOpportunity(ctx context.Context, code string) (*models.Opportunity, error) {
	row := s.pool.QueryRow(ctx, "SELECT"+selectCols+" WHERE o.code = $1", code)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching %s: %w", code, err)
	}
	return &o, nil
}
