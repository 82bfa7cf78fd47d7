package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	fsys := fstest.MapFS{
		"0002_documents.up.sql":  {Data: []byte("create table documents(id text);")},
		"0001_namespaces.up.sql": {Data: []byte("create table namespaces(name text);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_namespaces.up.sql"))

	// Only the pending file runs, inside a transaction.
	mock.ExpectBegin()
	mock.ExpectExec("create table documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_documents.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mgr := NewManager(db, fsys, nil)
	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); create index i on t(x);")
	if len(stmts) != 2 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
}

func TestCollectSQLSkipsDownForSeeds(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_x.up.sql":   {Data: []byte("select 1;")},
		"0001_x.down.sql": {Data: []byte("select 1;")},
		"data.sql":        {Data: []byte("select 1;")},
	}
	files, err := collectSQL(fsys, seedSuffix)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if f == "0001_x.down.sql" {
			t.Fatal("down migration picked up as seed")
		}
	}
}
