package replica

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS papers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	abstract TEXT,
	venue_full TEXT,
	venue_acronym TEXT,
	year INTEGER,
	volume TEXT,
	issue TEXT,
	pages TEXT,
	paper_type TEXT,
	doi TEXT,
	preprint_id TEXT,
	category TEXT,
	url TEXT,
	notes TEXT,
	pdf_path TEXT,
	added_date TEXT,
	modified_date TEXT
);

CREATE TABLE IF NOT EXISTS authors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	full_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS paper_authors (
	paper_id INTEGER NOT NULL REFERENCES papers(id),
	author_id INTEGER NOT NULL REFERENCES authors(id),
	position INTEGER NOT NULL DEFAULT 0,
	UNIQUE(paper_id, author_id, position)
);

CREATE TABLE IF NOT EXISTS collections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	parent_id INTEGER REFERENCES collections(id),
	created_date TEXT
);

CREATE TABLE IF NOT EXISTS paper_collections (
	paper_id INTEGER NOT NULL REFERENCES papers(id),
	collection_id INTEGER NOT NULL REFERENCES collections(id),
	UNIQUE(paper_id, collection_id)
);

CREATE INDEX IF NOT EXISTS idx_papers_title ON papers(title);
CREATE INDEX IF NOT EXISTS idx_papers_doi ON papers(doi);
CREATE INDEX IF NOT EXISTS idx_paper_authors_paper ON paper_authors(paper_id);
CREATE INDEX IF NOT EXISTS idx_paper_collections_paper ON paper_collections(paper_id);
`

const insertPaperSQL = `
INSERT INTO papers (title, abstract, venue_full, venue_acronym, year, volume, issue, pages,
	paper_type, doi, preprint_id, category, url, notes, pdf_path, added_date, modified_date)
VALUES (:title, :abstract, :venue_full, :venue_acronym, :year, :volume, :issue, :pages,
	:paper_type, :doi, :preprint_id, :category, :url, :notes, :pdf_path, :added_date, :modified_date)
`

// Store provides access to one replica's relational state (papers.db).
type Store struct {
	db *sqlx.DB
}

// NewStore initializes the schema on an open database connection.
func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection. Intended for tests.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// CloneTo writes a self-contained copy of the database to path, including
// any pages still living in the WAL.
func (s *Store) CloneTo(path string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("clone store to %s: %w", path, err)
	}
	return nil
}

// ListPapers returns all papers ordered by id for a stable enumeration.
func (s *Store) ListPapers() ([]*Paper, error) {
	var papers []*Paper
	if err := s.db.Select(&papers, "SELECT * FROM papers ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list papers: %w", err)
	}
	return papers, nil
}

// GetPaperByTitle returns the first paper with an exact title match, or nil.
func (s *Store) GetPaperByTitle(title string) (*Paper, error) {
	var p Paper
	err := s.db.Get(&p, "SELECT * FROM papers WHERE title = ? ORDER BY id LIMIT 1", title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get paper by title: %w", err)
	}
	return &p, nil
}

// PaperCount returns the number of papers in the replica.
func (s *Store) PaperCount() (int, error) {
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM papers"); err != nil {
		return 0, fmt.Errorf("count papers: %w", err)
	}
	return n, nil
}

// AuthorsString renders a paper's authors in link order as a comma-joined
// string. This rendering is the cross-replica authorship exchange format.
func (s *Store) AuthorsString(paperID int64) (string, error) {
	var names []string
	err := s.db.Select(&names, `
		SELECT a.full_name FROM authors a
		JOIN paper_authors pa ON pa.author_id = a.id
		WHERE pa.paper_id = ?
		ORDER BY pa.position`, paperID)
	if err != nil {
		return "", fmt.Errorf("authors for paper %d: %w", paperID, err)
	}
	return strings.Join(names, ", "), nil
}

// ParseAuthors splits a rendered author string back into ordered names,
// dropping empty tokens.
func ParseAuthors(rendered string) []string {
	var names []string
	for _, tok := range strings.Split(rendered, ",") {
		if name := strings.TrimSpace(tok); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// InsertPaperWithAuthors inserts a paper and its ordered author links in a
// single transaction. The paper's ID field is ignored; the new replica-local
// id is returned. Authors are upserted by exact full_name.
func (s *Store) InsertPaperWithAuthors(p *Paper, authors []string) (int64, error) {
	tx, err := s.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin insert paper: %w", err)
	}

	res, err := tx.NamedExec(insertPaperSQL, p)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert paper %q: %w", p.Title, err)
	}
	paperID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert paper %q: %w", p.Title, err)
	}

	if err := linkAuthors(tx, paperID, authors); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert paper %q: %w", p.Title, err)
	}
	return paperID, nil
}

// UpdatePaperWithAuthors overwrites a paper's non-null scalar fields from src
// and rebuilds its author links from the given ordered names, in a single
// transaction.
func (s *Store) UpdatePaperWithAuthors(paperID int64, src *Paper, authors []string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin update paper: %w", err)
	}

	set := []string{"title = ?"}
	args := []any{src.Title}
	appendSet := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if src.Abstract != nil {
		appendSet("abstract", *src.Abstract)
	}
	if src.VenueFull != nil {
		appendSet("venue_full", *src.VenueFull)
	}
	if src.VenueAcronym != nil {
		appendSet("venue_acronym", *src.VenueAcronym)
	}
	if src.Year != nil {
		appendSet("year", *src.Year)
	}
	if src.Volume != nil {
		appendSet("volume", *src.Volume)
	}
	if src.Issue != nil {
		appendSet("issue", *src.Issue)
	}
	if src.Pages != nil {
		appendSet("pages", *src.Pages)
	}
	if src.PaperType != nil {
		appendSet("paper_type", *src.PaperType)
	}
	if src.DOI != nil {
		appendSet("doi", *src.DOI)
	}
	if src.PreprintID != nil {
		appendSet("preprint_id", *src.PreprintID)
	}
	if src.Category != nil {
		appendSet("category", *src.Category)
	}
	if src.URL != nil {
		appendSet("url", *src.URL)
	}
	if src.Notes != nil {
		appendSet("notes", *src.Notes)
	}
	if src.PDFPath != nil {
		appendSet("pdf_path", *src.PDFPath)
	}
	if src.AddedDate != nil {
		appendSet("added_date", *src.AddedDate)
	}
	if src.ModifiedDate != nil {
		appendSet("modified_date", *src.ModifiedDate)
	}
	args = append(args, paperID)

	query := "UPDATE papers SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if _, err := tx.Exec(query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("update paper %d: %w", paperID, err)
	}

	if _, err := tx.Exec("DELETE FROM paper_authors WHERE paper_id = ?", paperID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear author links for paper %d: %w", paperID, err)
	}
	if err := linkAuthors(tx, paperID, authors); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update paper %d: %w", paperID, err)
	}
	return nil
}

// linkAuthors upserts each author by full_name and links it at its token
// position, keeping positions a contiguous run from 0.
func linkAuthors(tx *sqlx.Tx, paperID int64, authors []string) error {
	for pos, name := range authors {
		if _, err := tx.Exec("INSERT OR IGNORE INTO authors (full_name) VALUES (?)", name); err != nil {
			return fmt.Errorf("upsert author %q: %w", name, err)
		}
		var authorID int64
		if err := tx.Get(&authorID, "SELECT id FROM authors WHERE full_name = ?", name); err != nil {
			return fmt.Errorf("lookup author %q: %w", name, err)
		}
		_, err := tx.Exec(
			"INSERT OR IGNORE INTO paper_authors (paper_id, author_id, position) VALUES (?, ?, ?)",
			paperID, authorID, pos,
		)
		if err != nil {
			return fmt.Errorf("link author %q to paper %d: %w", name, paperID, err)
		}
	}
	return nil
}

// AuthorPositions returns the link positions for a paper in stored order.
func (s *Store) AuthorPositions(paperID int64) ([]int64, error) {
	var positions []int64
	err := s.db.Select(&positions,
		"SELECT position FROM paper_authors WHERE paper_id = ? ORDER BY position", paperID)
	if err != nil {
		return nil, fmt.Errorf("author positions for paper %d: %w", paperID, err)
	}
	return positions, nil
}

// ListCollections returns all collections ordered by id.
func (s *Store) ListCollections() ([]*Collection, error) {
	var cols []*Collection
	if err := s.db.Select(&cols, "SELECT * FROM collections ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return cols, nil
}

// GetCollectionByName returns the collection with the given name, or nil.
func (s *Store) GetCollectionByName(name string) (*Collection, error) {
	var c Collection
	err := s.db.Get(&c, "SELECT * FROM collections WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", name, err)
	}
	return &c, nil
}

// InsertCollection creates a collection, returning its new id.
func (s *Store) InsertCollection(c *Collection) (int64, error) {
	res, err := s.db.NamedExec(`
		INSERT INTO collections (name, description, created_date)
		VALUES (:name, :description, :created_date)`, c)
	if err != nil {
		return 0, fmt.Errorf("insert collection %q: %w", c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert collection %q: %w", c.Name, err)
	}
	return id, nil
}

// CollectionPaperTitles returns the titles of all papers in a collection.
func (s *Store) CollectionPaperTitles(collectionID int64) ([]string, error) {
	var titles []string
	err := s.db.Select(&titles, `
		SELECT p.title FROM papers p
		JOIN paper_collections pc ON pc.paper_id = p.id
		WHERE pc.collection_id = ?
		ORDER BY p.id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("papers in collection %d: %w", collectionID, err)
	}
	return titles, nil
}

// EnsureMembership links a paper to a collection if not already linked.
// Returns true when a new link was created.
func (s *Store) EnsureMembership(paperID, collectionID int64) (bool, error) {
	res, err := s.db.Exec(
		"INSERT OR IGNORE INTO paper_collections (paper_id, collection_id) VALUES (?, ?)",
		paperID, collectionID,
	)
	if err != nil {
		return false, fmt.Errorf("link paper %d to collection %d: %w", paperID, collectionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PaperCollections returns the ids of collections a paper belongs to.
func (s *Store) PaperCollections(paperID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Select(&ids,
		"SELECT collection_id FROM paper_collections WHERE paper_id = ? ORDER BY collection_id", paperID)
	if err != nil {
		return nil, fmt.Errorf("collections for paper %d: %w", paperID, err)
	}
	return ids, nil
}
