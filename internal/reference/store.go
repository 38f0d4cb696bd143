package reference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNotFound is returned when no reference matches the lookup.
var ErrNotFound = errors.New("reference not found")

// Store persists references in SQLite and cropped artifacts on disk.
type Store struct {
	db          *sql.DB
	team        string
	artifactDir string
}

// NewStore opens the reference store for one team. Cropped artifacts are
// written below artifactDir.
func NewStore(db *sql.DB, team, artifactDir string) (*Store, error) {
	s := &Store{db: db, team: team, artifactDir: artifactDir}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("reference store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refs (
		team TEXT NOT NULL,
		interface_name TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL CHECK(type IN ('image', 'text')),
		area_x INTEGER NOT NULL,
		area_y INTEGER NOT NULL,
		area_w INTEGER NOT NULL,
		area_h INTEGER NOT NULL,
		image_url TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		regex TEXT NOT NULL DEFAULT '',
		modified INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (team, interface_name, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveText upserts a text reference. Changing the text or area of an
// existing reference sets its modified flag.
func (s *Store) SaveText(ctx context.Context, iface, name string, area Area, text, language, regex string) (*Reference, error) {
	if !area.Valid() {
		return nil, fmt.Errorf("invalid area %+v", area)
	}

	existing, err := s.Get(ctx, iface, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ref := &Reference{
		Team:      s.team,
		Interface: iface,
		Name:      name,
		Type:      TypeText,
		Area:      area,
		Text:      text,
		Language:  language,
		Regex:     regex,
	}
	if existing != nil {
		ref.ImageURL = existing.ImageURL
		ref.SourceURL = existing.SourceURL
		ref.Modified = existing.Text != text || existing.Area != area
	}

	if err := s.upsert(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// SaveImage upserts an image reference: the region is cropped out of the
// source image and stored as the reference artifact.
func (s *Store) SaveImage(ctx context.Context, iface, name string, area Area, sourceImageURL string) (*Reference, error) {
	if !area.Valid() {
		return nil, fmt.Errorf("invalid area %+v", area)
	}

	existing, err := s.Get(ctx, iface, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	artifact := filepath.Join(s.artifactDir, s.team, iface, name+".jpg")
	if err := cropSource(sourceImageURL, artifact, area); err != nil {
		return nil, err
	}

	ref := &Reference{
		Team:      s.team,
		Interface: iface,
		Name:      name,
		Type:      TypeImage,
		Area:      area,
		ImageURL:  artifact,
		SourceURL: sourceImageURL,
	}
	if existing != nil {
		ref.Modified = existing.Area != area || existing.SourceURL != sourceImageURL
	}

	if err := s.upsert(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

func (s *Store) upsert(ctx context.Context, ref *Reference) error {
	modified := 0
	if ref.Modified {
		modified = 1
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO refs (team, interface_name, name, type, area_x, area_y, area_w, area_h, image_url, source_url, text, language, regex, modified)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(team, interface_name, name) DO UPDATE SET
		type = excluded.type,
		area_x = excluded.area_x, area_y = excluded.area_y,
		area_w = excluded.area_w, area_h = excluded.area_h,
		image_url = excluded.image_url,
		source_url = excluded.source_url,
		text = excluded.text,
		language = excluded.language,
		regex = excluded.regex,
		modified = excluded.modified
	`, ref.Team, ref.Interface, ref.Name, string(ref.Type),
		ref.Area.X, ref.Area.Y, ref.Area.W, ref.Area.H,
		ref.ImageURL, ref.SourceURL, ref.Text, ref.Language, ref.Regex, modified)
	return err
}

// Get returns the reference by interface and name, or ErrNotFound.
func (s *Store) Get(ctx context.Context, iface, name string) (*Reference, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT team, interface_name, name, type, area_x, area_y, area_w, area_h, image_url, source_url, text, language, regex, modified
	FROM refs WHERE team = ? AND interface_name = ? AND name = ?
	`, s.team, iface, name)
	return scanRef(row)
}

// List returns every reference of the interface, ordered by name.
func (s *Store) List(ctx context.Context, iface string) ([]*Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT team, interface_name, name, type, area_x, area_y, area_w, area_h, image_url, source_url, text, language, regex, modified
	FROM refs WHERE team = ? AND interface_name = ?
	ORDER BY name
	`, s.team, iface)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Reference
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Delete removes the reference. Deleting an absent reference is a no-op.
func (s *Store) Delete(ctx context.Context, iface, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE team = ? AND interface_name = ? AND name = ?`,
		s.team, iface, name)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRef(row rowScanner) (*Reference, error) {
	var ref Reference
	var typ string
	var modified int
	err := row.Scan(&ref.Team, &ref.Interface, &ref.Name, &typ,
		&ref.Area.X, &ref.Area.Y, &ref.Area.W, &ref.Area.H,
		&ref.ImageURL, &ref.SourceURL, &ref.Text, &ref.Language, &ref.Regex, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ref.Type = Type(typ)
	ref.Modified = modified != 0
	return &ref, nil
}
