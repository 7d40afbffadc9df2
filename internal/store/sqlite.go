package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/trustlens/trustd/internal/model"
	_ "modernc.org/sqlite"
)

const timeFormat = "2006-01-02 15:04:05"

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database at the given path and runs migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename to ensure order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("execute migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Ratings ---

const ratingCols = `id, url_hash, user_id, stars, is_spam, is_misleading, is_scam, comment, processed, created_at, updated_at`

func (s *SQLiteStore) CreateRating(ctx context.Context, r *model.Rating) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ratings (`+ratingCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.URLHash, r.UserID, r.Stars,
		boolToInt(r.IsSpam), boolToInt(r.IsMisleading), boolToInt(r.IsScam),
		r.Comment, boolToInt(r.Processed),
		r.CreatedAt.UTC().Format(timeFormat), r.UpdatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) UpdateRating(ctx context.Context, r *model.Rating) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ratings SET stars = ?, is_spam = ?, is_misleading = ?, is_scam = ?,
		 comment = ?, processed = ?, updated_at = ? WHERE id = ?`,
		r.Stars, boolToInt(r.IsSpam), boolToInt(r.IsMisleading), boolToInt(r.IsScam),
		r.Comment, boolToInt(r.Processed), r.UpdatedAt.UTC().Format(timeFormat), r.ID)
	return err
}

// GetLatestRating returns the most recent rating for a (url, user) pair,
// or ErrNotFound when the user has never rated the URL.
func (s *SQLiteStore) GetLatestRating(ctx context.Context, urlHash, userID string) (*model.Rating, error) {
	r, err := scanRating(s.db.QueryRowContext(ctx,
		`SELECT `+ratingCols+` FROM ratings
		 WHERE url_hash = ? AND user_id = ?
		 ORDER BY created_at DESC LIMIT 1`, urlHash, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) ListRatingsByURL(ctx context.Context, urlHash string) ([]*model.Rating, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ratingCols+` FROM ratings WHERE url_hash = ? ORDER BY created_at`, urlHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRatings(rows)
}

func (s *SQLiteStore) ListURLsWithUnprocessedRatings(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT url_hash FROM ratings WHERE processed = 0 ORDER BY url_hash`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// DeleteProcessedRatingsBefore removes processed ratings created before the
// cutoff. Unprocessed ratings are never deleted regardless of age. Before
// deleting, each doomed row's contribution is folded into its aggregate's
// swept baseline so counts never shrink when the raw rows are gone.
func (s *SQLiteStore) DeleteProcessedRatingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cut := cutoff.UTC().Format(timeFormat)
	rows, err := tx.QueryContext(ctx,
		`SELECT url_hash, COUNT(*), SUM(stars), SUM(is_spam), SUM(is_misleading), SUM(is_scam)
		 FROM ratings WHERE processed = 1 AND created_at < ?
		 GROUP BY url_hash`, cut)
	if err != nil {
		return 0, fmt.Errorf("sum doomed ratings: %w", err)
	}
	type doomed struct {
		urlHash                string
		count, stars           int
		spam, misleading, scam int
	}
	var groups []doomed
	for rows.Next() {
		var d doomed
		if err := rows.Scan(&d.urlHash, &d.count, &d.stars, &d.spam, &d.misleading, &d.scam); err != nil {
			rows.Close()
			return 0, err
		}
		groups = append(groups, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, d := range groups {
		if _, err := tx.ExecContext(ctx,
			`UPDATE url_stats SET
			   swept_count = swept_count + ?,
			   swept_star_sum = swept_star_sum + ?,
			   swept_spam_count = swept_spam_count + ?,
			   swept_misleading_count = swept_misleading_count + ?,
			   swept_scam_count = swept_scam_count + ?
			 WHERE url_hash = ?`,
			d.count, d.stars, d.spam, d.misleading, d.scam, d.urlHash); err != nil {
			return 0, fmt.Errorf("fold swept ratings for %s: %w", d.urlHash, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM ratings WHERE processed = 1 AND created_at < ?`, cut)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRating(row scannable) (*model.Rating, error) {
	var r model.Rating
	var isSpam, isMisleading, isScam, processed int
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.URLHash, &r.UserID, &r.Stars,
		&isSpam, &isMisleading, &isScam, &r.Comment, &processed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.IsSpam = isSpam != 0
	r.IsMisleading = isMisleading != 0
	r.IsScam = isScam != 0
	r.Processed = processed != 0
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	r.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &r, nil
}

func collectRatings(rows *sql.Rows) ([]*model.Rating, error) {
	var ratings []*model.Rating
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, err
		}
		ratings = append(ratings, r)
	}
	return ratings, rows.Err()
}

// --- URL stats ---

const statsCols = `url_hash, url, domain, content_type, trust_score, domain_score, community_score,
	rating_count, average_rating, spam_count, misleading_count, scam_count,
	swept_count, swept_star_sum, swept_spam_count, swept_misleading_count, swept_scam_count,
	status, updated_at`

func (s *SQLiteStore) UpsertURLStats(ctx context.Context, stats *model.URLStats) error {
	return upsertURLStats(ctx, s.db, stats)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertURLStats(ctx context.Context, db execer, stats *model.URLStats) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO url_stats (`+statsCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url_hash) DO UPDATE SET
		   url = excluded.url, domain = excluded.domain, content_type = excluded.content_type,
		   trust_score = excluded.trust_score, domain_score = excluded.domain_score,
		   community_score = excluded.community_score, rating_count = excluded.rating_count,
		   average_rating = excluded.average_rating, spam_count = excluded.spam_count,
		   misleading_count = excluded.misleading_count, scam_count = excluded.scam_count,
		   swept_count = excluded.swept_count, swept_star_sum = excluded.swept_star_sum,
		   swept_spam_count = excluded.swept_spam_count,
		   swept_misleading_count = excluded.swept_misleading_count,
		   swept_scam_count = excluded.swept_scam_count,
		   status = excluded.status, updated_at = excluded.updated_at`,
		stats.URLHash, stats.URL, stats.Domain, stats.ContentType,
		stats.TrustScore, stats.DomainScore, stats.CommunityScore,
		stats.RatingCount, stats.AverageRating,
		stats.SpamCount, stats.MisleadingCount, stats.ScamCount,
		stats.SweptCount, stats.SweptStarSum,
		stats.SweptSpamCount, stats.SweptMisleadingCount, stats.SweptScamCount,
		string(stats.Status), stats.UpdatedAt.UTC().Format(timeFormat))
	return err
}

// UpsertURLStatsStub ensures a url_stats row exists with the domain
// populated so the aggregator has something to join against before its
// first pass. It never overwrites an existing aggregate.
func (s *SQLiteStore) UpsertURLStatsStub(ctx context.Context, urlHash, url, domain string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO url_stats (url_hash, url, domain, status, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url_hash) DO NOTHING`,
		urlHash, url, domain, string(model.StatusCommunityOnly),
		time.Now().UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) GetURLStats(ctx context.Context, urlHash string) (*model.URLStats, error) {
	stats, err := scanURLStats(s.db.QueryRowContext(ctx,
		`SELECT `+statsCols+` FROM url_stats WHERE url_hash = ?`, urlHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return stats, err
}

func scanURLStats(row scannable) (*model.URLStats, error) {
	var st model.URLStats
	var status, updatedAt string
	err := row.Scan(&st.URLHash, &st.URL, &st.Domain, &st.ContentType,
		&st.TrustScore, &st.DomainScore, &st.CommunityScore,
		&st.RatingCount, &st.AverageRating,
		&st.SpamCount, &st.MisleadingCount, &st.ScamCount,
		&st.SweptCount, &st.SweptStarSum,
		&st.SweptSpamCount, &st.SweptMisleadingCount, &st.SweptScamCount,
		&status, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = model.ProcessingStatus(status)
	st.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &st, nil
}

// AggregateURL reads the URL's ratings and current aggregate, applies fn,
// writes the new aggregate, and marks the ratings processed, all in one
// transaction. A nil aggregate from fn aborts without writing.
func (s *SQLiteStore) AggregateURL(ctx context.Context, urlHash string, fn func(ratings []*model.Rating, current *model.URLStats) (*model.URLStats, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+ratingCols+` FROM ratings WHERE url_hash = ? ORDER BY created_at`, urlHash)
	if err != nil {
		return fmt.Errorf("list ratings: %w", err)
	}
	ratings, err := collectRatings(rows)
	rows.Close()
	if err != nil {
		return fmt.Errorf("scan ratings: %w", err)
	}

	current, err := scanURLStats(tx.QueryRowContext(ctx,
		`SELECT `+statsCols+` FROM url_stats WHERE url_hash = ?`, urlHash))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get current stats: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		current = nil
	}

	updated, err := fn(ratings, current)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	if err := upsertURLStats(ctx, tx, updated); err != nil {
		return fmt.Errorf("upsert stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ratings SET processed = 1 WHERE url_hash = ?`, urlHash); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return tx.Commit()
}

// --- Domain analysis cache ---

const cacheCols = `domain, age_days, http_status, tls_valid, verdicts, threat_score, asn, asn_name, country, checked_at, expires_at`

func (s *SQLiteStore) UpsertDomainCache(ctx context.Context, entry *model.DomainCacheEntry) error {
	verdictsJSON, err := json.Marshal(entry.Verdicts)
	if err != nil {
		return fmt.Errorf("marshal verdicts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO domain_cache (`+cacheCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   age_days = excluded.age_days, http_status = excluded.http_status,
		   tls_valid = excluded.tls_valid, verdicts = excluded.verdicts,
		   threat_score = excluded.threat_score, asn = excluded.asn,
		   asn_name = excluded.asn_name, country = excluded.country,
		   checked_at = excluded.checked_at, expires_at = excluded.expires_at`,
		entry.Domain, nullIntVal(entry.AgeDays), entry.HTTPStatus, boolToInt(entry.TLSValid),
		string(verdictsJSON), nullFloatVal(entry.ThreatScore),
		entry.ASN, entry.ASNName, entry.Country,
		entry.CheckedAt.UTC().Format(timeFormat), entry.ExpiresAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) GetDomainCache(ctx context.Context, domain string) (*model.DomainCacheEntry, error) {
	var e model.DomainCacheEntry
	var ageDays sql.NullInt64
	var threatScore sql.NullFloat64
	var tlsValid int
	var verdictsJSON, checkedAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT `+cacheCols+` FROM domain_cache WHERE domain = ?`, domain).
		Scan(&e.Domain, &ageDays, &e.HTTPStatus, &tlsValid, &verdictsJSON, &threatScore,
			&e.ASN, &e.ASNName, &e.Country, &checkedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ageDays.Valid {
		v := int(ageDays.Int64)
		e.AgeDays = &v
	}
	if threatScore.Valid {
		v := threatScore.Float64
		e.ThreatScore = &v
	}
	e.TLSValid = tlsValid != 0
	_ = json.Unmarshal([]byte(verdictsJSON), &e.Verdicts)
	e.CheckedAt, _ = time.Parse(timeFormat, checkedAt)
	e.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	return &e, nil
}

// ListExpiredCachedDomains returns domains whose cache entry has expired
// and that are still referenced by a url_stats row, oldest first.
func (s *SQLiteStore) ListExpiredCachedDomains(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dc.domain FROM domain_cache dc
		 WHERE dc.expires_at < ?
		   AND EXISTS (SELECT 1 FROM url_stats us WHERE us.domain = dc.domain)
		 ORDER BY dc.expires_at LIMIT ?`,
		now.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// DeleteDomainCacheExpiredBefore purges cache entries whose expiry passed
// before the cutoff. Purging is cost-driven, not correctness-critical.
func (s *SQLiteStore) DeleteDomainCacheExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM domain_cache WHERE expires_at < ?`, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Rule tables ---

func (s *SQLiteStore) UpsertBlacklistRule(ctx context.Context, rule *model.BlacklistRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist_rules (id, pattern, severity, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pattern) DO UPDATE SET severity = excluded.severity, reason = excluded.reason`,
		rule.ID, rule.Pattern, rule.Severity, rule.Reason,
		rule.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListBlacklistRules(ctx context.Context) ([]*model.BlacklistRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, severity, reason, created_at FROM blacklist_rules ORDER BY pattern`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*model.BlacklistRule
	for rows.Next() {
		var r model.BlacklistRule
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Severity, &r.Reason, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) UpsertContentTypeRule(ctx context.Context, rule *model.ContentTypeRule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content_type_rules (id, pattern, content_type, modifier, min_ratings, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pattern) DO UPDATE SET content_type = excluded.content_type,
		   modifier = excluded.modifier, min_ratings = excluded.min_ratings`,
		rule.ID, rule.Pattern, rule.ContentType, rule.Modifier, rule.MinRatings,
		rule.CreatedAt.UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListContentTypeRules(ctx context.Context) ([]*model.ContentTypeRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, content_type, modifier, min_ratings, created_at FROM content_type_rules ORDER BY pattern`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*model.ContentTypeRule
	for rows.Next() {
		var r model.ContentTypeRule
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Pattern, &r.ContentType, &r.Modifier, &r.MinRatings, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// --- Analysis request queue ---

// EnqueueAnalysis records a refresh request for a domain. Re-enqueueing
// keeps the original position but upgrades the priority if the new
// request is high.
func (s *SQLiteStore) EnqueueAnalysis(ctx context.Context, domain string, priority model.AnalysisPriority) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_requests (domain, priority, enqueued_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
		   priority = CASE WHEN excluded.priority = 'high' THEN 'high' ELSE analysis_requests.priority END`,
		domain, string(priority), time.Now().UTC().Format(timeFormat))
	return err
}

func (s *SQLiteStore) ListAnalysisRequests(ctx context.Context, limit int) ([]*model.AnalysisRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT domain, priority, enqueued_at FROM analysis_requests
		 ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, enqueued_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*model.AnalysisRequest
	for rows.Next() {
		var r model.AnalysisRequest
		var priority, enqueuedAt string
		if err := rows.Scan(&r.Domain, &priority, &enqueuedAt); err != nil {
			return nil, err
		}
		r.Priority = model.AnalysisPriority(priority)
		r.EnqueuedAt, _ = time.Parse(timeFormat, enqueuedAt)
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

// DeleteAnalysisRequest acknowledges a drained request. It is only called
// after the cache write succeeded, keeping delivery at-least-once.
func (s *SQLiteStore) DeleteAnalysisRequest(ctx context.Context, domain string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM analysis_requests WHERE domain = ?`, domain)
	return err
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntVal(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloatVal(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
