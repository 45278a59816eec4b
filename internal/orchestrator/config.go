package orchestrator

import "github.com/livinlefevreloca/statsync/internal/catalog"

// Run modes
const (
	ModeFile = "file" // fetch and persist artifacts only
	ModeDB   = "db"   // fetch, load, then advance the global watermark
)

// Collection scopes
const (
	ScopeAll  = "ALL"
	ScopePart = "PART"
)

// Worker pool ceilings, applied regardless of configuration
const (
	MaxFetchWorkers = 10
	MaxLoadWorkers  = 5
)

// Config defines the sync run settings
type Config struct {
	Mode               string           `toml:"mode"`
	FetchWorkers       int              `toml:"fetch_workers"`
	LoadWorkers        int              `toml:"load_workers"`
	BatchSize          int              `toml:"batch_size"`
	Scope              string           `toml:"scope"`
	Targets            []catalog.Target `toml:"targets"`
	StringValuedTables []string         `toml:"string_valued_tables"`
}

// DefaultConfig returns default sync configuration
func DefaultConfig() Config {
	return Config{
		Mode:         ModeDB,
		FetchWorkers: 4,
		LoadWorkers:  2,
		BatchSize:    100,
		Scope:        ScopeAll,
	}
}
