package config

import "path/filepath"

type Paths struct {
	Root        string
	UserWorld   string
	Entities    string
	StateFile   string
	Runtime     string
	Backups     string
	Safety      string
	Bookkeeping string
	Events      string
	Indexes     string
	Snapshots   string
	Sessions    string
	Templates   string
}

func NewPaths(root string) Paths {
	userWorld := filepath.Join(root, "user-world")
	backups := filepath.Join(root, "backups")
	bookkeeping := filepath.Join(root, "bookkeeping")
	return Paths{
		Root:        root,
		UserWorld:   userWorld,
		Entities:    filepath.Join(userWorld, "entities"),
		StateFile:   filepath.Join(userWorld, "state.json"),
		Runtime:     filepath.Join(root, "runtime"),
		Backups:     backups,
		Safety:      filepath.Join(backups, "safety"),
		Bookkeeping: bookkeeping,
		Events:      filepath.Join(bookkeeping, "events"),
		Indexes:     filepath.Join(bookkeeping, "indexes"),
		Snapshots:   filepath.Join(bookkeeping, "revisions", "snapshots"),
		Sessions:    filepath.Join(bookkeeping, "sessions"),
		Templates:   filepath.Join(root, "templates"),
	}
}

func (p Paths) EntityFile(entityType, id string) string {
	return filepath.Join(p.Entities, entityType, id+".json")
}

// Relative DSN paths resolve against the project root, not the working directory.
func (p Paths) ResolveDSN(dsn string) string {
	const prefix = "sqlite://"
	if len(dsn) <= len(prefix) || dsn[:len(prefix)] != prefix {
		return dsn
	}
	rest := dsn[len(prefix):]
	if rest == ":memory:" || filepath.IsAbs(rest) {
		return dsn
	}
	return prefix + filepath.Join(p.Root, rest)
}
