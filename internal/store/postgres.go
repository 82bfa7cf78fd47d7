package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres implements Store on a single documents table partitioned by a
// namespace column. Partition provisioning is a row in the namespaces table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with pool defaults tuned like the rest of the fleet.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing connection pool. Used by tests.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (p *Postgres) Close() error { return p.db.Close() }

// DB exposes the underlying pool for readiness probes.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) EnsureNamespace(ctx context.Context, namespace string) error {
	_, err := p.db.ExecContext(ctx,
		`insert into namespaces(name, created_at) values($1, now()) on conflict (name) do nothing`,
		namespace)
	return err
}

func (p *Postgres) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	if namespace == GlobalNamespace {
		return true, nil
	}
	var one int
	err := p.db.QueryRowContext(ctx, `select 1 from namespaces where name=$1`, namespace).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) checkNamespace(ctx context.Context, namespace string) error {
	ok, err := p.NamespaceExists(ctx, namespace)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNamespaceNotFound
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, namespace, collection, id string) ([]byte, error) {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`select doc from documents where namespace=$1 and collection=$2 and id=$3`,
		namespace, collection, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Postgres) Put(ctx context.Context, namespace, collection, id string, doc []byte) error {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		insert into documents(namespace, collection, id, doc, updated_at)
		values ($1,$2,$3,$4, now())
		on conflict (namespace, collection, id) do update
		set doc = excluded.doc, updated_at = now()
	`, namespace, collection, id, doc)
	return err
}

func (p *Postgres) PutIfVersion(ctx context.Context, namespace, collection, id string, doc []byte, expected int64) error {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return err
	}
	if expected < 0 {
		res, err := p.db.ExecContext(ctx, `
			insert into documents(namespace, collection, id, doc, updated_at)
			values ($1,$2,$3,$4, now())
			on conflict (namespace, collection, id) do nothing
		`, namespace, collection, id, doc)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrVersionConflict
		}
		return nil
	}
	res, err := p.db.ExecContext(ctx, `
		update documents
		set doc = $4, updated_at = now()
		where namespace=$1 and collection=$2 and id=$3
		  and (doc->>'version')::bigint = $5
	`, namespace, collection, id, doc, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Zero rows means either a version mismatch or a concurrent delete.
	var one int
	err = p.db.QueryRowContext(ctx,
		`select 1 from documents where namespace=$1 and collection=$2 and id=$3`,
		namespace, collection, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrVersionConflict
}

func (p *Postgres) Delete(ctx context.Context, namespace, collection, id string) (bool, error) {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx,
		`delete from documents where namespace=$1 and collection=$2 and id=$3`,
		namespace, collection, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Postgres) List(ctx context.Context, namespace, collection string, limit, offset int) ([][]byte, error) {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	// limit <= 0 means the whole collection (cached full listings).
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		select doc from documents
		where namespace=$1 and collection=$2
		order by id
		limit $3 offset $4
	`, namespace, collection, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (p *Postgres) Count(ctx context.Context, namespace, collection string) (int64, error) {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return 0, err
	}
	var n int64
	err := p.db.QueryRowContext(ctx,
		`select count(*) from documents where namespace=$1 and collection=$2`,
		namespace, collection).Scan(&n)
	return n, err
}

func (p *Postgres) FindByField(ctx context.Context, namespace, collection string, path []string, value string) ([][]byte, error) {
	if err := p.checkNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		select doc from documents
		where namespace=$1 and collection=$2 and doc #>> $3::text[] = $4
		order by id
	`, namespace, collection, textArray(path), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (p *Postgres) FindAnyNamespace(ctx context.Context, collection string, path []string, value string) ([][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `
		select doc from documents
		where collection=$1 and doc #>> $2::text[] = $3
		order by namespace, id
	`, collection, textArray(path), value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([][]byte, error) {
	var out [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// textArray renders a postgres text[] literal for a JSON path.
func textArray(path []string) string {
	quoted := make([]string, len(path))
	for i, p := range path {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
