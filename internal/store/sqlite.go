package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/linkresolver/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Pragmas are passed through the DSN so every pooled connection gets them;
// busy_timeout and foreign_keys are per-connection settings.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if strings.Contains(path, ":memory:") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS citations (
	id          TEXT PRIMARY KEY,
	key         TEXT NOT NULL UNIQUE,
	format      TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL,
	identifiers TEXT,
	extra       TEXT,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS origin_sources (
	id         TEXT PRIMARY KEY,
	identifier TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS requests (
	id                     TEXT PRIMARY KEY,
	session_id             TEXT NOT NULL,
	client_ip              TEXT NOT NULL DEFAULT '',
	client_ip_is_simulated INTEGER NOT NULL DEFAULT 0,
	fingerprint            TEXT,
	citation_id            TEXT NOT NULL,
	origin_source_id       TEXT REFERENCES origin_sources(id),
	http_env               TEXT,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dispatched_services (
	id         TEXT PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES requests(id),
	service_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (request_id, service_id)
);

CREATE TABLE IF NOT EXISTS service_responses (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	request_id TEXT NOT NULL REFERENCES requests(id),
	service_id TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS response_types (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL REFERENCES requests(id),
	response_id TEXT NOT NULL REFERENCES service_responses(id),
	label       TEXT NOT NULL,
	UNIQUE (response_id, label)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_session_fp_ip ON requests(session_id, fingerprint, client_ip);
CREATE INDEX IF NOT EXISTS idx_dispatched_services_request ON dispatched_services(request_id);
CREATE INDEX IF NOT EXISTS idx_service_responses_request ON service_responses(request_id);
CREATE INDEX IF NOT EXISTS idx_response_types_request_label ON response_types(request_id, label);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Requests ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *model.Request) (*model.Request, bool, error) {
	r := *req
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	envJSON, err := json.Marshal(r.HTTPEnv)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal http env")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, session_id, client_ip, client_ip_is_simulated, fingerprint, citation_id, origin_source_id, http_env, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		r.ID, r.SessionID, r.ClientIP, r.ClientIPIsSimulated, nullString(r.Fingerprint),
		r.CitationID, nullString(r.OriginSourceID), string(envJSON), r.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return &r, true, nil
	}

	existing, err := s.FindRequest(ctx, r.SessionID, r.Fingerprint, r.ClientIP)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("sqlite: request insert for session %s ignored but no match found", r.SessionID)
	}
	return existing, false, nil
}

const sqliteRequestColumns = `id, session_id, client_ip, client_ip_is_simulated, fingerprint, citation_id, origin_source_id, http_env, created_at`

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *SQLiteStore) FindRequest(ctx context.Context, sessionID, fingerprint, clientIP string) (*model.Request, error) {
	if fingerprint == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM requests
		 WHERE session_id = ? AND fingerprint = ? AND client_ip = ?
		 ORDER BY created_at LIMIT 1`,
		sessionID, fingerprint, clientIP,
	)
	return scanRequest(row)
}

func (s *SQLiteStore) UpdateRequestCitation(ctx context.Context, requestID, citationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET citation_id = ? WHERE id = ?`, citationID, requestID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request citation %s", requestID)
	}
	return checkRowsAffected(res, "request", requestID)
}

// --- Citations ---

func (s *SQLiteStore) FindOrCreateCitation(ctx context.Context, c *model.Citation) (*model.Citation, error) {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal citation metadata")
	}
	idsJSON, err := json.Marshal(c.Identifiers)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal citation identifiers")
	}
	extraJSON, err := json.Marshal(c.Extra)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal citation extra")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO citations (id, key, format, metadata, identifiers, extra, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`,
		uuid.New().String(), c.Key, c.Format, string(metaJSON), string(idsJSON), string(extraJSON), time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert citation")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, format, metadata, identifiers, extra, created_at FROM citations WHERE key = ?`, c.Key)
	got, err := scanCitation(row)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, eris.Errorf("sqlite: citation %s vanished after insert", c.Key)
	}
	return got, nil
}

func (s *SQLiteStore) GetCitation(ctx context.Context, id string) (*model.Citation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, format, metadata, identifiers, extra, created_at FROM citations WHERE id = ?`, id)
	return scanCitation(row)
}

func (s *SQLiteStore) DeleteCitation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM citations WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete citation %s", id)
	}
	return checkRowsAffected(res, "citation", id)
}

func (s *SQLiteStore) FindOrCreateOriginSource(ctx context.Context, identifier string) (*model.OriginSource, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO origin_sources (id, identifier, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (identifier) DO NOTHING`,
		uuid.New().String(), identifier, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert origin source")
	}

	var o model.OriginSource
	err = s.db.QueryRowContext(ctx,
		`SELECT id, identifier, created_at FROM origin_sources WHERE identifier = ?`, identifier,
	).Scan(&o.ID, &o.Identifier, &o.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get origin source")
	}
	return &o, nil
}

func (s *SQLiteStore) GetOriginSource(ctx context.Context, id string) (*model.OriginSource, error) {
	var o model.OriginSource
	err := s.db.QueryRowContext(ctx,
		`SELECT id, identifier, created_at FROM origin_sources WHERE id = ?`, id,
	).Scan(&o.ID, &o.Identifier, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get origin source %s", id)
	}
	return &o, nil
}

// --- Dispatch ledger ---

const sqliteUpsertDispatch = `
INSERT INTO dispatched_services (id, request_id, service_id, status, detail, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (request_id, service_id) DO UPDATE SET
	status = excluded.status,
	detail = excluded.detail,
	updated_at = excluded.updated_at`

const sqliteUpsertDispatchProtected = sqliteUpsertDispatch + `
WHERE dispatched_services.status NOT IN ('successful', 'failed_fatal')
   OR excluded.status IN ('successful', 'failed_fatal')`

func (s *SQLiteStore) UpsertDispatch(ctx context.Context, requestID, serviceID string, status model.DispatchStatus, detail string, protectTerminal bool) (*model.DispatchRecord, error) {
	query := sqliteUpsertDispatch
	if protectTerminal {
		query = sqliteUpsertDispatchProtected
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(), requestID, serviceID, string(status), detail, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert dispatch %s/%s", requestID, serviceID)
	}
	rec, err := s.GetDispatch(ctx, requestID, serviceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Errorf("sqlite: dispatch %s/%s missing after upsert", requestID, serviceID)
	}
	return rec, nil
}

func (s *SQLiteStore) InsertDispatchIfAbsent(ctx context.Context, requestID, serviceID string, status model.DispatchStatus) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatched_services (id, request_id, service_id, status, detail, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT (request_id, service_id) DO NOTHING`,
		uuid.New().String(), requestID, serviceID, string(status), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert dispatch %s/%s", requestID, serviceID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CompareAndSetDispatch(ctx context.Context, requestID, serviceID string, from, to model.DispatchStatus, detail string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dispatched_services SET status = ?, detail = ?, updated_at = ?
		 WHERE request_id = ? AND service_id = ? AND status = ?`,
		string(to), detail, time.Now().UTC(), requestID, serviceID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap dispatch %s/%s", requestID, serviceID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetDispatch(ctx context.Context, requestID, serviceID string) (*model.DispatchRecord, error) {
	var d model.DispatchRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, service_id, status, detail, created_at, updated_at
		 FROM dispatched_services WHERE request_id = ? AND service_id = ?`,
		requestID, serviceID,
	).Scan(&d.ID, &d.RequestID, &d.ServiceID, &d.Status, &d.Detail, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get dispatch")
	}
	return &d, nil
}

func (s *SQLiteStore) ListDispatches(ctx context.Context, requestID string) ([]model.DispatchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, service_id, status, detail, created_at, updated_at
		 FROM dispatched_services WHERE request_id = ? ORDER BY created_at, service_id`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dispatches")
	}
	defer rows.Close() //nolint:errcheck

	records := []model.DispatchRecord{}
	for rows.Next() {
		var d model.DispatchRecord
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ServiceID, &d.Status, &d.Detail, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dispatch")
		}
		records = append(records, d)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list dispatches iterate")
}

// --- Responses ---

func (s *SQLiteStore) CreateResponse(ctx context.Context, resp *model.Response) (*model.Response, error) {
	r := *resp
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal response payload")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin response tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO service_responses (id, request_id, service_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.ServiceID, string(payloadJSON), r.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert response")
	}
	for _, l := range r.Labels {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO response_types (request_id, response_id, label) VALUES (?, ?, ?)
			 ON CONFLICT (response_id, label) DO NOTHING`,
			r.RequestID, r.ID, string(l),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert response type %s", l)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit response tx")
	}
	return &r, nil
}

func (s *SQLiteStore) ListResponses(ctx context.Context, requestID string, label model.TypeLabel) ([]model.Response, error) {
	query := `SELECT r.id, r.request_id, r.service_id, r.payload, r.created_at FROM service_responses r WHERE r.request_id = ?`
	args := []any{requestID}
	if label != "" {
		query += ` AND EXISTS (SELECT 1 FROM response_types t WHERE t.response_id = r.id AND t.label = ?)`
		args = append(args, string(label))
	}
	query += ` ORDER BY r.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list responses")
	}
	defer rows.Close() //nolint:errcheck

	responses := []model.Response{}
	for rows.Next() {
		var r model.Response
		var payloadJSON string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ServiceID, &payloadJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan response")
		}
		if err := json.Unmarshal([]byte(payloadJSON), &r.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal response payload")
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list responses iterate")
	}
	if len(responses) == 0 {
		return responses, nil
	}

	labels, err := s.responseLabels(ctx, requestID)
	if err != nil {
		return nil, err
	}
	attachLabels(responses, labels)
	return responses, nil
}

func (s *SQLiteStore) responseLabels(ctx context.Context, requestID string) (map[string][]model.TypeLabel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT response_id, label FROM response_types WHERE request_id = ? ORDER BY seq`, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list response types")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string][]model.TypeLabel)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan response type")
		}
		out[id] = append(out[id], model.TypeLabel(label))
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list response types iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (*model.Request, error) {
	var r model.Request
	var fp, origin, env sql.NullString

	err := row.Scan(&r.ID, &r.SessionID, &r.ClientIP, &r.ClientIPIsSimulated, &fp,
		&r.CitationID, &origin, &env, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan request")
	}
	r.Fingerprint = fp.String
	r.OriginSourceID = origin.String
	if env.Valid && env.String != "" && env.String != "null" {
		if err := json.Unmarshal([]byte(env.String), &r.HTTPEnv); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal http env")
		}
	}
	return &r, nil
}

func scanCitation(row scannable) (*model.Citation, error) {
	var c model.Citation
	var metaJSON string
	var idsJSON, extraJSON sql.NullString

	err := row.Scan(&c.ID, &c.Key, &c.Format, &metaJSON, &idsJSON, &extraJSON, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan citation")
	}
	if err := unmarshalCitationJSON(&c, []byte(metaJSON), []byte(idsJSON.String), []byte(extraJSON.String)); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal citation")
	}
	return &c, nil
}

func unmarshalCitationJSON(c *model.Citation, meta, ids, extra []byte) error {
	if err := json.Unmarshal(meta, &c.Metadata); err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &c.Identifiers); err != nil {
			return err
		}
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &c.Extra); err != nil {
			return err
		}
	}
	return nil
}

func attachLabels(responses []model.Response, labels map[string][]model.TypeLabel) {
	for i := range responses {
		responses[i].Labels = labels[responses[i].ID]
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
