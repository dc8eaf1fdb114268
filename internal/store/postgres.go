package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/linkresolver/internal/db"
	"github.com/sells-group/linkresolver/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. These
// are the hot paths of a resolve cycle.
var preparedStatements = map[string]string{
	"find_request":  `SELECT ` + pgRequestColumns + ` FROM requests WHERE session_id = $1 AND fingerprint = $2 AND client_ip = $3 ORDER BY created_at LIMIT 1`,
	"get_dispatch":  `SELECT id, request_id, service_id, status, detail, created_at, updated_at FROM dispatched_services WHERE request_id = $1 AND service_id = $2`,
	"list_dispatch": `SELECT id, request_id, service_id, status, detail, created_at, updated_at FROM dispatched_services WHERE request_id = $1 ORDER BY created_at, service_id`,
	"swap_dispatch": `UPDATE dispatched_services SET status = $1, detail = $2, updated_at = $3 WHERE request_id = $4 AND service_id = $5 AND status = $6`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				// Tables may not exist before the first migrate.
				if isUndefinedTable(err) {
					continue
				}
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS citations (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	key         TEXT NOT NULL UNIQUE,
	format      TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL,
	identifiers JSONB,
	extra       JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS origin_sources (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	identifier TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS requests (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id             TEXT NOT NULL,
	client_ip              TEXT NOT NULL DEFAULT '',
	client_ip_is_simulated BOOLEAN NOT NULL DEFAULT false,
	fingerprint            TEXT,
	citation_id            TEXT NOT NULL,
	origin_source_id       TEXT REFERENCES origin_sources(id),
	http_env               JSONB,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dispatched_services (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id TEXT NOT NULL REFERENCES requests(id),
	service_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (request_id, service_id)
);

CREATE TABLE IF NOT EXISTS service_responses (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	request_id TEXT NOT NULL REFERENCES requests(id),
	service_id TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS response_types (
	seq         BIGSERIAL PRIMARY KEY,
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Requests ---

const pgRequestColumns = `id, session_id, client_ip, client_ip_is_simulated, fingerprint, citation_id, origin_source_id, http_env, created_at`

func (s *PostgresStore) CreateRequest(ctx context.Context, req *model.Request) (*model.Request, bool, error) {
	r := *req
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	envJSON, err := json.Marshal(r.HTTPEnv)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal http env")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO requests (`+pgRequestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT DO NOTHING`,
		r.ID, r.SessionID, r.ClientIP, r.ClientIPIsSimulated, nullString(r.Fingerprint),
		r.CitationID, nullString(r.OriginSourceID), envJSON, r.CreatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert request")
	}
	if tag.RowsAffected() == 1 {
		return &r, true, nil
	}

	existing, err := s.FindRequest(ctx, r.SessionID, r.Fingerprint, r.ClientIP)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("postgres: request insert for session %s ignored but no match found", r.SessionID)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgRequestColumns+` FROM requests WHERE id = $1`, id)
	return scanPgRequest(row)
}

func (s *PostgresStore) FindRequest(ctx context.Context, sessionID, fingerprint, clientIP string) (*model.Request, error) {
	if fingerprint == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx, preparedStatements["find_request"], sessionID, fingerprint, clientIP)
	return scanPgRequest(row)
}

func (s *PostgresStore) UpdateRequestCitation(ctx context.Context, requestID, citationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET citation_id = $1 WHERE id = $2`, citationID, requestID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request citation %s", requestID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "request %s", requestID)
	}
	return nil
}

// --- Citations ---

func (s *PostgresStore) FindOrCreateCitation(ctx context.Context, c *model.Citation) (*model.Citation, error) {
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal citation metadata")
	}
	idsJSON, err := json.Marshal(c.Identifiers)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal citation identifiers")
	}
	extraJSON, err := json.Marshal(c.Extra)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal citation extra")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO citations (id, key, format, metadata, identifiers, extra, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO NOTHING`,
		uuid.New().String(), c.Key, c.Format, metaJSON, idsJSON, extraJSON, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert citation")
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, key, format, metadata, identifiers, extra, created_at FROM citations WHERE key = $1`, c.Key)
	got, err := scanPgCitation(row)
	if err != nil {
		return nil, err
	}
	if got == nil {
		return nil, eris.Errorf("postgres: citation %s vanished after insert", c.Key)
	}
	return got, nil
}

func (s *PostgresStore) GetCitation(ctx context.Context, id string) (*model.Citation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, key, format, metadata, identifiers, extra, created_at FROM citations WHERE id = $1`, id)
	return scanPgCitation(row)
}

func (s *PostgresStore) DeleteCitation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM citations WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete citation %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "citation %s", id)
	}
	return nil
}

func (s *PostgresStore) FindOrCreateOriginSource(ctx context.Context, identifier string) (*model.OriginSource, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO origin_sources (id, identifier, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (identifier) DO NOTHING`,
		uuid.New().String(), identifier, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert origin source")
	}

	var o model.OriginSource
	err = s.pool.QueryRow(ctx,
		`SELECT id, identifier, created_at FROM origin_sources WHERE identifier = $1`, identifier,
	).Scan(&o.ID, &o.Identifier, &o.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get origin source")
	}
	return &o, nil
}

func (s *PostgresStore) GetOriginSource(ctx context.Context, id string) (*model.OriginSource, error) {
	var o model.OriginSource
	err := s.pool.QueryRow(ctx,
		`SELECT id, identifier, created_at FROM origin_sources WHERE id = $1`, id,
	).Scan(&o.ID, &o.Identifier, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get origin source %s", id)
	}
	return &o, nil
}

// --- Dispatch ledger ---

const pgUpsertDispatch = `
INSERT INTO dispatched_services (id, request_id, service_id, status, detail, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (request_id, service_id) DO UPDATE SET
	status = excluded.status,
	detail = excluded.detail,
	updated_at = excluded.updated_at`

const pgUpsertDispatchProtected = pgUpsertDispatch + `
WHERE dispatched_services.status NOT IN ('successful', 'failed_fatal')
   OR excluded.status IN ('successful', 'failed_fatal')`

func (s *PostgresStore) UpsertDispatch(ctx context.Context, requestID, serviceID string, status model.DispatchStatus, detail string, protectTerminal bool) (*model.DispatchRecord, error) {
	query := pgUpsertDispatch
	if protectTerminal {
		query = pgUpsertDispatchProtected
	}
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, query,
		uuid.New().String(), requestID, serviceID, string(status), detail, now, now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert dispatch %s/%s", requestID, serviceID)
	}
	rec, err := s.GetDispatch(ctx, requestID, serviceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, eris.Errorf("postgres: dispatch %s/%s missing after upsert", requestID, serviceID)
	}
	return rec, nil
}

func (s *PostgresStore) InsertDispatchIfAbsent(ctx context.Context, requestID, serviceID string, status model.DispatchStatus) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO dispatched_services (id, request_id, service_id, status, detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, '', $5, $6)
		 ON CONFLICT (request_id, service_id) DO NOTHING`,
		uuid.New().String(), requestID, serviceID, string(status), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert dispatch %s/%s", requestID, serviceID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndSetDispatch(ctx context.Context, requestID, serviceID string, from, to model.DispatchStatus, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, preparedStatements["swap_dispatch"],
		string(to), detail, time.Now().UTC(), requestID, serviceID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap dispatch %s/%s", requestID, serviceID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetDispatch(ctx context.Context, requestID, serviceID string) (*model.DispatchRecord, error) {
	var d model.DispatchRecord
	err := s.pool.QueryRow(ctx, preparedStatements["get_dispatch"], requestID, serviceID).
		Scan(&d.ID, &d.RequestID, &d.ServiceID, &d.Status, &d.Detail, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get dispatch")
	}
	return &d, nil
}

func (s *PostgresStore) ListDispatches(ctx context.Context, requestID string) ([]model.DispatchRecord, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["list_dispatch"], requestID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dispatches")
	}
	defer rows.Close()

	records := []model.DispatchRecord{}
	for rows.Next() {
		var d model.DispatchRecord
		if err := rows.Scan(&d.ID, &d.RequestID, &d.ServiceID, &d.Status, &d.Detail, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dispatch")
		}
		records = append(records, d)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list dispatches iterate")
}

// --- Responses ---

var responseTypeColumns = []string{"request_id", "response_id", "label"}

func (s *PostgresStore) CreateResponse(ctx context.Context, resp *model.Response) (*model.Response, error) {
	r := *resp
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal response payload")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin response tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO service_responses (id, request_id, service_id, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.RequestID, r.ServiceID, payloadJSON, r.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert response")
	}

	// COPY has no ON CONFLICT, so duplicates are removed up front.
	seen := make(map[model.TypeLabel]bool, len(r.Labels))
	rows := make([][]any, 0, len(r.Labels))
	for _, l := range r.Labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		rows = append(rows, []any{r.RequestID, r.ID, string(l)})
	}
	if _, err := db.CopyFrom(ctx, tx, "response_types", responseTypeColumns, rows); err != nil {
		return nil, eris.Wrap(err, "postgres: insert response types")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit response tx")
	}
	return &r, nil
}

func (s *PostgresStore) ListResponses(ctx context.Context, requestID string, label model.TypeLabel) ([]model.Response, error) {
	query := `SELECT r.id, r.request_id, r.service_id, r.payload, r.created_at FROM service_responses r WHERE r.request_id = $1`
	args := []any{requestID}
	if label != "" {
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM response_types t WHERE t.response_id = r.id AND t.label = $%d)`, len(args)+1)
		args = append(args, string(label))
	}
	query += ` ORDER BY r.seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list responses")
	}
	defer rows.Close()

	responses := []model.Response{}
	for rows.Next() {
		var r model.Response
		var payloadJSON []byte
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ServiceID, &payloadJSON, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan response")
		}
		if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal response payload")
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list responses iterate")
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

func (s *PostgresStore) responseLabels(ctx context.Context, requestID string) (map[string][]model.TypeLabel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT response_id, label FROM response_types WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list response types")
	}
	defer rows.Close()

	out := make(map[string][]model.TypeLabel)
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			return nil, eris.Wrap(err, "postgres: scan response type")
		}
		out[id] = append(out[id], model.TypeLabel(label))
	}
	return out, eris.Wrap(rows.Err(), "postgres: list response types iterate")
}

func scanPgRequest(row pgx.Row) (*model.Request, error) {
	var r model.Request
	var fp, origin *string
	var envJSON []byte

	err := row.Scan(&r.ID, &r.SessionID, &r.ClientIP, &r.ClientIPIsSimulated, &fp,
		&r.CitationID, &origin, &envJSON, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: scan request")
	}
	if fp != nil {
		r.Fingerprint = *fp
	}
	if origin != nil {
		r.OriginSourceID = *origin
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &r.HTTPEnv); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal http env")
		}
	}
	return &r, nil
}

func scanPgCitation(row pgx.Row) (*model.Citation, error) {
	var c model.Citation
	var metaJSON, idsJSON, extraJSON []byte

	err := row.Scan(&c.ID, &c.Key, &c.Format, &metaJSON, &idsJSON, &extraJSON, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: scan citation")
	}
	if err := unmarshalCitationJSON(&c, metaJSON, idsJSON, extraJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal citation")
	}
	return &c, nil
}

// isUndefinedTable reports whether err is PostgreSQL error 42P01.
func isUndefinedTable(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "42P01"
}
