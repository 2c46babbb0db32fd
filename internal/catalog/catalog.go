// Package catalog records uploaded files and their preparation state.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("docqa/catalog")

// File is one row of file_info. RandomName is the public file id.
type File struct {
	ID         int64      `json:"id"`
	FileName   string     `json:"fileName"`
	RandomName string     `json:"fileId"`
	UploadTime time.Time  `json:"uploadTime"`
	IsParsed   bool       `json:"isParsed"`
	IsIndexed  bool       `json:"isIndexed"`
	ParseTime  *time.Time `json:"parseTime,omitempty"`
	IndexTime  *time.Time `json:"indexTime,omitempty"`
	Pages      int        `json:"pages"`
}

// Entry is the short listing form of a file.
type Entry struct {
	FileName   string `json:"file_name"`
	RandomName string `json:"random_name"`
}

// ErrNotFound is returned by updates of unknown files.
var ErrNotFound = errors.New("file not found")

// Catalog is implemented by Store and Memory.
type Catalog interface {
	Add(ctx context.Context, fileName, randomName string, pages int) (File, error)
	Get(ctx context.Context, randomName string) (File, bool, error)
	List(ctx context.Context) ([]Entry, error)
	MarkParsed(ctx context.Context, randomName string, pages int) error
	MarkIndexed(ctx context.Context, randomName string) error
}

// Store keeps the catalog in Postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens and pings a Postgres catalog. The schema is owned by the
// migrations directory; see Migrate.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

const fileColumns = `id, file_name, random_name, upload_time, is_parsed, is_builded_index,
       parse_time, build_index_time, COALESCE(pages,0)`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (File, error) {
	var (
		f                    File
		parseTime, indexTime sql.NullTime
	)
	if err := row.Scan(&f.ID, &f.FileName, &f.RandomName, &f.UploadTime, &f.IsParsed, &f.IsIndexed,
		&parseTime, &indexTime, &f.Pages); err != nil {
		return File{}, err
	}
	if parseTime.Valid {
		f.ParseTime = &parseTime.Time
	}
	if indexTime.Valid {
		f.IndexTime = &indexTime.Time
	}
	return f, nil
}

// Add inserts a freshly uploaded file.
func (s *Store) Add(ctx context.Context, fileName, randomName string, pages int) (File, error) {
	ctx, span := tracer.Start(ctx, "catalog.Add")
	defer span.End()
	span.SetAttributes(attribute.String("file_id", randomName))
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO file_info (file_name, random_name, pages)
VALUES ($1, $2, $3)
RETURNING `+fileColumns, fileName, randomName, pages)
	f, err := scanFile(row)
	if err != nil {
		return File{}, fmt.Errorf("add file %s: %w", randomName, err)
	}
	return f, nil
}

// Get returns the file with randomName; ok is false when there is none.
func (s *Store) Get(ctx context.Context, randomName string) (File, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+fileColumns+`
FROM file_info
WHERE random_name=$1`, randomName)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, false, nil
	}
	if err != nil {
		return File{}, false, err
	}
	return f, true, nil
}

// List returns every file, oldest upload first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT file_name, random_name
FROM file_info
ORDER BY upload_time, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.FileName, &e.RandomName); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkParsed flags the file as parsed and records its page count.
func (s *Store) MarkParsed(ctx context.Context, randomName string, pages int) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE file_info
SET is_parsed=TRUE, parse_time=now(), pages=$2
WHERE random_name=$1`, randomName, pages)
	return affected(res, err, randomName)
}

// MarkIndexed flags the file as having a built index.
func (s *Store) MarkIndexed(ctx context.Context, randomName string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE file_info
SET is_builded_index=TRUE, build_index_time=now()
WHERE random_name=$1`, randomName)
	return affected(res, err, randomName)
}

func affected(res sql.Result, err error, randomName string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, randomName)
	}
	return nil
}
