package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"time"
)

// ErrNotFound is returned by Get for an unknown handle
var ErrNotFound = errors.New("artifact not found")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Key identifies one artifact of one table in one run
type Key struct {
	RunDate  time.Time
	RunID    string
	SourceID string // src_data_id
	TableID  string
	Kind     string // data, meta or latest
	Format   string // json or xml
}

// Path renders the key as a slash-separated object path:
// <yyyymmdd>/<run id>/<kind>/<source id>_<table id>.<format>
func (k Key) Path() string {
	name := sanitize(k.SourceID) + "_" + sanitize(k.TableID) + "." + sanitize(k.Format)
	return path.Join(k.RunDate.Format("20060102"), sanitize(k.RunID), sanitize(k.Kind), name)
}

// Handle refers to a stored artifact
type Handle struct {
	Path   string
	Format string
}

// Store persists run-scoped artifacts
type Store interface {
	Put(ctx context.Context, key Key, data []byte) (Handle, error)
	Get(ctx context.Context, h Handle) ([]byte, error)
}

// Open builds the store selected by cfg.Backend
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewLocalStore(cfg.Root)
	case BackendMinio:
		return NewMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.Backend)
	}
}

func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return unsafeChars.ReplaceAllString(s, "_")
}
