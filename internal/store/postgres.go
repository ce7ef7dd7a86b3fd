package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/deedflow/backend/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store on Postgres via database/sql + lib/pq.
// Per-transaction exclusivity uses a transaction-scoped advisory lock keyed
// by the escrow transaction ID, which also covers the insert path where no
// row exists to lock yet.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Info("Postgres connected")
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle (tests).
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// Migrate applies the embedded schema files in lexical order. Every
// statement is idempotent, so re-running on startup is safe.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		ddl, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		slog.Info("Applied migration", "file", name)
	}
	return nil
}

func (s *PostgresStore) WithinTx(ctx context.Context, transactionID string, fn func(tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	// Advisory lock released automatically at commit/rollback.
	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, transactionID); err != nil {
		dbTx.Rollback()
		return fmt.Errorf("acquire transaction lock: %w", err)
	}

	pt := &postgresTx{ctx: ctx, tx: dbTx}
	if err := fn(pt); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type postgresTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// ---- transactions ----

const transactionColumns = `id, buyer_agent_id, seller_agent_id, property_id, earnest_money,
	total_purchase_price, state, custody_id, initiated_at, target_closing_date,
	actual_closing_date, metadata, disputes, created_at, updated_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*domain.Transaction, error) {
	var t domain.Transaction
	var custodyID sql.NullString
	var actualClosing sql.NullTime
	var metadata, disputes []byte

	err := row.Scan(&t.ID, &t.BuyerAgentID, &t.SellerAgentID, &t.PropertyID, &t.EarnestMoney,
		&t.TotalPurchasePrice, &t.State, &custodyID, &t.InitiatedAt, &t.TargetClosingDate,
		&actualClosing, &metadata, &disputes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if custodyID.Valid {
		t.CustodyID = custodyID.String
	}
	if actualClosing.Valid {
		at := actualClosing.Time
		t.ActualClosingDate = &at
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(disputes) > 0 {
		if err := json.Unmarshal(disputes, &t.Disputes); err != nil {
			return nil, fmt.Errorf("decode disputes: %w", err)
		}
	}
	return &t, nil
}

func getTransaction(ctx context.Context, q queryer, id string) (*domain.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("transaction", id)
	}
	return t, err
}

func (p *postgresTx) GetTransaction(id string) (*domain.Transaction, error) {
	return getTransaction(p.ctx, p.tx, id)
}

func (p *postgresTx) InsertTransaction(t *domain.Transaction) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	disputes, err := marshalJSON(t.Disputes)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.BuyerAgentID, t.SellerAgentID, t.PropertyID, t.EarnestMoney,
		t.TotalPurchasePrice, t.State, nullString(t.CustodyID), t.InitiatedAt, t.TargetClosingDate,
		nullTime(t.ActualClosingDate), metadata, disputes, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *postgresTx) UpdateTransaction(t *domain.Transaction) error {
	metadata, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	disputes, err := marshalJSON(t.Disputes)
	if err != nil {
		return err
	}
	res, err := p.tx.ExecContext(p.ctx, `
		UPDATE transactions SET state=$2, custody_id=$3, actual_closing_date=$4,
			metadata=$5, disputes=$6, updated_at=$7
		WHERE id=$1`,
		t.ID, t.State, nullString(t.CustodyID), nullTime(t.ActualClosingDate),
		metadata, disputes, t.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, "transaction", t.ID)
}

// ---- tasks ----

const taskColumns = `id, transaction_id, type, assigned_agent_id, status, deadline,
	payment_amount, report_id, assigned_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.VerificationTask, error) {
	var t domain.VerificationTask
	var reportID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.TransactionID, &t.Type, &t.AssignedAgentID, &t.Status, &t.Deadline,
		&t.PaymentAmount, &reportID, &t.AssignedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if reportID.Valid {
		t.ReportID = reportID.String
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

func (p *postgresTx) InsertTask(task *domain.VerificationTask) error {
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO verification_tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		task.ID, task.TransactionID, task.Type, task.AssignedAgentID, task.Status, task.Deadline,
		task.PaymentAmount, nullString(task.ReportID), task.AssignedAt, nullTime(task.CompletedAt),
		task.CreatedAt, task.UpdatedAt)
	return err
}

func (p *postgresTx) UpdateTask(task *domain.VerificationTask) error {
	res, err := p.tx.ExecContext(p.ctx, `
		UPDATE verification_tasks SET assigned_agent_id=$2, status=$3, report_id=$4,
			completed_at=$5, updated_at=$6
		WHERE id=$1`,
		task.ID, task.AssignedAgentID, task.Status, nullString(task.ReportID),
		nullTime(task.CompletedAt), task.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, "task", task.ID)
}

func (p *postgresTx) GetTaskByType(transactionID string, taskType domain.TaskType) (*domain.VerificationTask, error) {
	row := p.tx.QueryRowContext(p.ctx, `
		SELECT `+taskColumns+` FROM verification_tasks
		WHERE transaction_id = $1 AND type = $2`, transactionID, taskType)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("task", string(taskType))
	}
	return t, err
}

func listTasks(ctx context.Context, q queryer, transactionID string) ([]domain.VerificationTask, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM verification_tasks
		WHERE transaction_id = $1 ORDER BY type`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VerificationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *postgresTx) ListTasks(transactionID string) ([]domain.VerificationTask, error) {
	return listTasks(p.ctx, p.tx, transactionID)
}

// ---- reports ----

func (p *postgresTx) InsertReport(r *domain.VerificationReport) error {
	findings, err := marshalJSON(r.Findings)
	if err != nil {
		return err
	}
	documents, err := marshalJSON(r.Documents)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO verification_reports
			(id, task_id, agent_id, type, status, findings, documents, submitted_at, reviewed_at, reviewer_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.TaskID, r.AgentID, r.Type, r.Status, findings, documents,
		r.SubmittedAt, nullTime(r.ReviewedAt), r.ReviewerNotes)
	return err
}

func getReport(ctx context.Context, q queryer, id string) (*domain.VerificationReport, error) {
	var r domain.VerificationReport
	var findings, documents []byte
	var reviewedAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, task_id, agent_id, type, status, findings, documents, submitted_at, reviewed_at, reviewer_notes
		FROM verification_reports WHERE id = $1`, id).
		Scan(&r.ID, &r.TaskID, &r.AgentID, &r.Type, &r.Status, &findings, &documents,
			&r.SubmittedAt, &reviewedAt, &r.ReviewerNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("report", id)
	}
	if err != nil {
		return nil, err
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &r.Findings); err != nil {
			return nil, err
		}
	}
	if len(documents) > 0 {
		if err := json.Unmarshal(documents, &r.Documents); err != nil {
			return nil, err
		}
	}
	if reviewedAt.Valid {
		at := reviewedAt.Time
		r.ReviewedAt = &at
	}
	return &r, nil
}

func (p *postgresTx) GetReport(id string) (*domain.VerificationReport, error) {
	return getReport(p.ctx, p.tx, id)
}

// ---- payments ----

const paymentColumns = `id, transaction_id, custody_id, type, recipient_id, amount, status,
	external_tx_ref, initiated_at, completed_at`

func scanPayment(row interface{ Scan(...interface{}) error }) (*domain.Payment, error) {
	var p domain.Payment
	var ref sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&p.ID, &p.TransactionID, &p.CustodyID, &p.Type, &p.RecipientID, &p.Amount,
		&p.Status, &ref, &p.InitiatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if ref.Valid {
		p.ExternalTxRef = ref.String
	}
	if completedAt.Valid {
		at := completedAt.Time
		p.CompletedAt = &at
	}
	return &p, nil
}

func (p *postgresTx) InsertPayment(pay *domain.Payment) error {
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		pay.ID, pay.TransactionID, pay.CustodyID, pay.Type, pay.RecipientID, pay.Amount,
		pay.Status, nullString(pay.ExternalTxRef), pay.InitiatedAt, nullTime(pay.CompletedAt))
	return err
}

func (p *postgresTx) UpdatePayment(pay *domain.Payment) error {
	res, err := p.tx.ExecContext(p.ctx, `
		UPDATE payments SET status=$2, external_tx_ref=$3, completed_at=$4 WHERE id=$1`,
		pay.ID, pay.Status, nullString(pay.ExternalTxRef), nullTime(pay.CompletedAt))
	if err != nil {
		return err
	}
	return requireRow(res, "payment", pay.ID)
}

func listPayments(ctx context.Context, q queryer, transactionID string) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE transaction_id = $1 ORDER BY initiated_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (p *postgresTx) ListPayments(transactionID string) ([]domain.Payment, error) {
	return listPayments(p.ctx, p.tx, transactionID)
}

// ---- settlements ----

func (p *postgresTx) InsertSettlement(s *domain.Settlement) error {
	distributions, err := marshalJSON(s.Distributions)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(p.ctx, `
		INSERT INTO settlements
			(id, transaction_id, total_amount, seller_amount, buyer_agent_commission,
			 seller_agent_commission, closing_costs, distributions, external_tx_ref, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.TransactionID, s.TotalAmount, s.SellerAmount, s.BuyerAgentCommission,
		s.SellerAgentCommission, s.ClosingCosts, distributions, nullString(s.ExternalTxRef), s.ExecutedAt)
	return err
}

func getSettlement(ctx context.Context, q queryer, transactionID string) (*domain.Settlement, error) {
	var s domain.Settlement
	var distributions []byte
	var ref sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, transaction_id, total_amount, seller_amount, buyer_agent_commission,
			seller_agent_commission, closing_costs, distributions, external_tx_ref, executed_at
		FROM settlements WHERE transaction_id = $1`, transactionID).
		Scan(&s.ID, &s.TransactionID, &s.TotalAmount, &s.SellerAmount, &s.BuyerAgentCommission,
			&s.SellerAgentCommission, &s.ClosingCosts, &distributions, &ref, &s.ExecutedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("settlement", transactionID)
	}
	if err != nil {
		return nil, err
	}
	if len(distributions) > 0 {
		if err := json.Unmarshal(distributions, &s.Distributions); err != nil {
			return nil, err
		}
	}
	if ref.Valid {
		s.ExternalTxRef = ref.String
	}
	return &s, nil
}

func (p *postgresTx) GetSettlement(transactionID string) (*domain.Settlement, error) {
	return getSettlement(p.ctx, p.tx, transactionID)
}

// ---- audit events ----

const auditColumns = `id, transaction_id, event_type, payload, content_hash, external_tx_ref,
	block_number, timestamp`

func scanAuditEvent(row interface{ Scan(...interface{}) error }) (*domain.AuditEvent, error) {
	var e domain.AuditEvent
	var payload []byte
	var ref sql.NullString
	var block sql.NullInt64
	err := row.Scan(&e.ID, &e.TransactionID, &e.Type, &payload, &e.ContentHash, &ref, &block, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	if ref.Valid {
		e.ExternalTxRef = ref.String
	}
	if block.Valid {
		n := block.Int64
		e.BlockNumber = &n
	}
	return &e, nil
}

func (p *postgresTx) AppendAuditEvent(e *domain.AuditEvent) error {
	_, err := p.tx.ExecContext(p.ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TransactionID, e.Type, []byte(e.Payload), e.ContentHash,
		nullString(e.ExternalTxRef), nullInt64(e.BlockNumber), e.Timestamp)
	return err
}

func listAuditEvents(ctx context.Context, q queryer, transactionID string) ([]domain.AuditEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE transaction_id = $1 ORDER BY seq`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (p *postgresTx) ListAuditEvents(transactionID string) ([]domain.AuditEvent, error) {
	return listAuditEvents(p.ctx, p.tx, transactionID)
}

func (p *postgresTx) CountPendingAuditEvents(transactionID string) (int, error) {
	var n int
	err := p.tx.QueryRowContext(p.ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE transaction_id = $1 AND external_tx_ref IS NULL`, transactionID).Scan(&n)
	return n, err
}

// ---- top-level reads ----

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func (s *PostgresStore) ListTasks(ctx context.Context, transactionID string) ([]domain.VerificationTask, error) {
	return listTasks(ctx, s.db, transactionID)
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*domain.VerificationReport, error) {
	return getReport(ctx, s.db, id)
}

func (s *PostgresStore) ListPayments(ctx context.Context, transactionID string) ([]domain.Payment, error) {
	return listPayments(ctx, s.db, transactionID)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, transactionID string) (*domain.Settlement, error) {
	return getSettlement(ctx, s.db, transactionID)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, transactionID string) ([]domain.AuditEvent, error) {
	return listAuditEvents(ctx, s.db, transactionID)
}

func (s *PostgresStore) ListPendingAuditEvents(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE external_tx_ref IS NULL ORDER BY timestamp LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetAuditReceipt(ctx context.Context, eventID, externalTxRef string, blockNumber *int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_events SET external_tx_ref=$2, block_number=$3 WHERE id=$1`,
		eventID, externalTxRef, nullInt64(blockNumber))
	if err != nil {
		return err
	}
	return requireRow(res, "audit event", eventID)
}

// ---- helpers ----

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundf(kind, id)
	}
	return nil
}
