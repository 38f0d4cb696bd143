package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// suggestionMaxDist bounds how far a typo suggestion may be from the input.
const suggestionMaxDist = 20

// Registry is the read-mostly command catalog, persisted in SQLite with an
// in-process cache per device model.
type Registry struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string][]Spec // device_model -> specs
}

// NewRegistry opens the catalog on the given database and runs migrations.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, cache: make(map[string][]Spec)}
	if err := r.migrate(); err != nil {
		return nil, fmt.Errorf("command registry migrate: %w", err)
	}
	return r, nil
}

func (r *Registry) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_specs (
		device_model TEXT NOT NULL,
		command_name TEXT NOT NULL,
		kind TEXT NOT NULL CHECK(kind IN ('remote', 'adb', 'web', 'ir')),
		params_schema TEXT NOT NULL DEFAULT '[]',
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		requires_input INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (device_model, command_name)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register upserts a command spec and refreshes the model's cache entry.
func (r *Registry) Register(ctx context.Context, spec Spec) error {
	if spec.DeviceModel == "" || spec.Name == "" {
		return fmt.Errorf("command spec requires device_model and command_name")
	}
	params, err := json.Marshal(spec.Params)
	if err != nil {
		return err
	}
	requiresInput := 0
	if spec.RequiresInput {
		requiresInput = 1
	}
	_, err = r.db.ExecContext(ctx, `
	INSERT INTO command_specs (device_model, command_name, kind, params_schema, category, description, requires_input)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(device_model, command_name) DO UPDATE SET
		kind = excluded.kind,
		params_schema = excluded.params_schema,
		category = excluded.category,
		description = excluded.description,
		requires_input = excluded.requires_input
	`, spec.DeviceModel, spec.Name, string(spec.Kind), string(params), spec.Category, spec.Description, requiresInput)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, spec.DeviceModel)
	r.mu.Unlock()
	return nil
}

// RegisterSet registers every spec of a builtin set for the device model.
func (r *Registry) RegisterSet(ctx context.Context, deviceModel string, set Set) error {
	for _, spec := range set.Specs {
		spec.DeviceModel = deviceModel
		spec.Kind = set.Kind
		if err := r.Register(ctx, spec); err != nil {
			return fmt.Errorf("register %s/%s: %w", deviceModel, spec.Name, err)
		}
	}
	return nil
}

// List returns every command available on the device model, sorted by
// category then name.
func (r *Registry) List(ctx context.Context, deviceModel string) ([]Spec, error) {
	r.mu.RLock()
	if cached, ok := r.cache[deviceModel]; ok {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, `
	SELECT device_model, command_name, kind, params_schema, category, description, requires_input
	FROM command_specs WHERE device_model = ?
	ORDER BY category, command_name
	`, deviceModel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var specs []Spec
	for rows.Next() {
		var s Spec
		var kind, params string
		var requiresInput int
		if err := rows.Scan(&s.DeviceModel, &s.Name, &kind, &params, &s.Category, &s.Description, &requiresInput); err != nil {
			return nil, err
		}
		s.Kind = Kind(kind)
		s.RequiresInput = requiresInput != 0
		if err := json.Unmarshal([]byte(params), &s.Params); err != nil {
			return nil, fmt.Errorf("params schema for %s/%s: %w", deviceModel, s.Name, err)
		}
		specs = append(specs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[deviceModel] = specs
	r.mu.Unlock()
	return specs, nil
}

// Lookup returns the spec for the named command on the device model.
func (r *Registry) Lookup(ctx context.Context, deviceModel, name string) (Spec, bool, error) {
	specs, err := r.List(ctx, deviceModel)
	if err != nil {
		return Spec{}, false, err
	}
	for _, s := range specs {
		if s.Name == name {
			return s, true, nil
		}
	}
	return Spec{}, false, nil
}

// Validation is the outcome of ValidateParams.
type Validation struct {
	OK         bool     `json:"ok"`
	Missing    []string `json:"missing,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// ValidateParams checks the params of a command against its schema. An
// unknown command yields OK=false with a typo suggestion drawn from the
// same category when one exists there, otherwise from the whole model.
func (r *Registry) ValidateParams(ctx context.Context, deviceModel, name string, params map[string]any, category string) (Validation, error) {
	spec, found, err := r.Lookup(ctx, deviceModel, name)
	if err != nil {
		return Validation{}, err
	}
	if !found {
		specs, err := r.List(ctx, deviceModel)
		if err != nil {
			return Validation{}, err
		}
		return Validation{
			OK:         false,
			Unknown:    []string{name},
			Suggestion: suggest(name, specs, category),
		}, nil
	}

	v := Validation{OK: true}
	known := make(map[string]ParamSpec, len(spec.Params))
	for _, p := range spec.Params {
		known[p.Name] = p
		_, present := params[p.Name]
		if !present {
			if p.Required {
				v.OK = false
				v.Missing = append(v.Missing, p.Name)
			} else {
				v.Warnings = append(v.Warnings, fmt.Sprintf("optional param %q not set", p.Name))
			}
		}
	}
	for pname := range params {
		if pname == "wait_time" {
			continue // carried alongside every action
		}
		if _, ok := known[pname]; !ok {
			v.Unknown = append(v.Unknown, pname)
		}
	}
	sort.Strings(v.Missing)
	sort.Strings(v.Unknown)
	return v, nil
}

// GroupByCategory arranges specs into category -> command names, for error
// payloads enumerating what is available.
func GroupByCategory(specs []Spec) map[string][]string {
	out := make(map[string][]string)
	for _, s := range specs {
		out[s.Category] = append(out[s.Category], s.Name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

func suggest(name string, specs []Spec, category string) string {
	var sameCategory, all []string
	for _, s := range specs {
		all = append(all, s.Name)
		if category != "" && s.Category == category {
			sameCategory = append(sameCategory, s.Name)
		}
	}
	norm := normalize(name)
	pick := func(candidates []string) string {
		best, bestDist := "", suggestionMaxDist+1
		for _, c := range candidates {
			if d := levenshtein(norm, normalize(c)); d < bestDist {
				best, bestDist = c, d
			}
		}
		return best
	}
	if s := pick(sameCategory); s != "" {
		return s
	}
	return pick(all)
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}
