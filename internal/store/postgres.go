package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"routeopt/internal/model"
)

// Postgres persists shipments and runs as JSONB documents keyed by id.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema when it does not exist yet. Safe to run on
// every startup.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS shipments (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			solution_id TEXT,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS runs_solution_id_idx ON runs (solution_id)`,
		`CREATE TABLE IF NOT EXISTS optimizer_config (
			id INT PRIMARY KEY DEFAULT 1,
			doc JSONB NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) CreateShipments(ctx context.Context, shipments []model.Shipment) (int, int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	created, skipped := 0, 0
	for _, s := range shipments {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		doc, err := json.Marshal(s)
		if err != nil {
			return 0, 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO shipments (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, s.ID, doc)
		if err != nil {
			return 0, 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped++
		} else {
			created++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return created, skipped, nil
}

func (p *Postgres) ListShipments(ctx context.Context, cursor string, limit int) ([]model.Shipment, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, doc FROM shipments WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, doc FROM shipments ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := []model.Shipment{}
	var next string
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, "", err
		}
		var s model.Shipment
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, "", err
		}
		out = append(out, s)
		next = id
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, rows.Err()
}

func (p *Postgres) GetShipment(ctx context.Context, id string) (model.Shipment, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM shipments WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Shipment{}, ErrNotFound
	}
	if err != nil {
		return model.Shipment{}, err
	}
	var s model.Shipment
	if err := json.Unmarshal(doc, &s); err != nil {
		return model.Shipment{}, err
	}
	return s, nil
}

func (p *Postgres) UpdateShipmentCoords(ctx context.Context, id string, origin, destination model.Location) error {
	s, err := p.GetShipment(ctx, id)
	if err != nil {
		return err
	}
	s.Origin = origin
	s.Destination = destination
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE shipments SET doc=$2 WHERE id=$1`, id, doc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteShipment(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM shipments WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SaveRun(ctx context.Context, run model.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return err
	}
	var solID any
	if run.Solution != nil {
		solID = run.Solution.ID
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO runs (id, solution_id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET solution_id=EXCLUDED.solution_id, doc=EXCLUDED.doc`,
		run.ID, solID, doc)
	return err
}

func (p *Postgres) GetRun(ctx context.Context, id string) (model.Run, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM runs WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, ErrNotFound
	}
	if err != nil {
		return model.Run{}, err
	}
	var r model.Run
	if err := json.Unmarshal(doc, &r); err != nil {
		return model.Run{}, err
	}
	return r, nil
}

func (p *Postgres) ListRuns(ctx context.Context, cursor string, limit int) ([]model.Run, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, doc FROM runs WHERE id > $1 ORDER BY id LIMIT $2`, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id, doc FROM runs ORDER BY id LIMIT $1`, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := []model.Run{}
	var next string
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, "", err
		}
		var r model.Run
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, "", err
		}
		out = append(out, r)
		next = id
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, rows.Err()
}

func (p *Postgres) GetSolution(ctx context.Context, solutionID string) (model.Solution, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM runs WHERE solution_id=$1`, solutionID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Solution{}, ErrNotFound
	}
	if err != nil {
		return model.Solution{}, err
	}
	var r model.Run
	if err := json.Unmarshal(doc, &r); err != nil {
		return model.Solution{}, err
	}
	if r.Solution == nil {
		return model.Solution{}, ErrNotFound
	}
	return *r.Solution, nil
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context) (map[string]any, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM optimizer_config WHERE id=1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, cfg map[string]any) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO optimizer_config (id, doc) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, doc)
	return err
}
