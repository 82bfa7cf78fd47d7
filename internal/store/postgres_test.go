package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresGetTranslatesMissingNamespace(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select 1 from namespaces").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	p := NewPostgres(db)
	_, err = p.Get(context.Background(), "ghost", CollectionIdentities, "abc")
	if !errors.Is(err, ErrNamespaceNotFound) {
		t.Fatalf("expected ErrNamespaceNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select 1 from namespaces").WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select doc from documents").WithArgs("t", CollectionIdentities, "abc").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	p := NewPostgres(db)
	_, err = p.Get(context.Background(), "t", CollectionIdentities, "abc")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresPutUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select 1 from namespaces").WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("insert into documents").
		WithArgs("t", CollectionPolicies, "abc", []byte(`{"v":1}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := NewPostgres(db)
	if err := p.Put(context.Background(), "t", CollectionPolicies, "abc", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresDeleteReportsExistence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("select 1 from namespaces").WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from documents").WithArgs("t", CollectionTokens, "abc").
		WillReturnResult(sqlmock.NewResult(0, 0))

	p := NewPostgres(db)
	existed, err := p.Delete(context.Background(), "t", CollectionTokens, "abc")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false for missing row")
	}
}

func TestPostgresPutIfVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	doc := []byte(`{"version":3}`)
	mock.ExpectQuery("select 1 from namespaces").WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("update documents").
		WithArgs("t", CollectionIdentities, "abc", doc, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Zero rows with the document still present is a version mismatch.
	mock.ExpectQuery("select 1 from documents").WithArgs("t", CollectionIdentities, "abc").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	p := NewPostgres(db)
	err = p.PutIfVersion(context.Background(), "t", CollectionIdentities, "abc", doc, 2)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresPutIfVersionCreateOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	doc := []byte(`{"version":0}`)
	mock.ExpectQuery("select 1 from namespaces").WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("insert into documents").
		WithArgs("t", CollectionTokens, "abc", doc).
		WillReturnResult(sqlmock.NewResult(0, 0)) // on conflict do nothing

	p := NewPostgres(db)
	err = p.PutIfVersion(context.Background(), "t", CollectionTokens, "abc", doc, -1)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for duplicate create, got %v", err)
	}
}

func TestPostgresGlobalNamespaceSkipsCheck(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// No namespaces query expected for the global partition.
	mock.ExpectQuery("select doc from documents").WithArgs(GlobalNamespace, CollectionRoles, "abc").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow([]byte(`{}`)))

	p := NewPostgres(db)
	if _, err := p.Get(context.Background(), GlobalNamespace, CollectionRoles, "abc"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTextArray(t *testing.T) {
	got := textArray([]string{"management", "service"})
	if got != `{"management","service"}` {
		t.Fatalf("textArray = %s", got)
	}
}
