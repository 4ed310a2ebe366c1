package storage

import (
	"fmt"
	"strings"

	logx "issuewatch/pkg/logx"
)

// DefaultPath is used by the file driver when Config.Path is empty.
const DefaultPath = "./data/issuewatch.state.json"

// Open initializes the configured store.
// An empty driver selects the file driver; "none" keeps state in memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "file", "json":
		if strings.TrimSpace(cfg.Path) == "" {
			cfg.Path = DefaultPath
		}
		return openFile(cfg, log)
	case "ini":
		return openINI(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none", "memory":
		log.Warn("storage disabled; poll state will not survive a restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func driverName(d string) string {
	if d == "" {
		return "file"
	}
	return d
}
