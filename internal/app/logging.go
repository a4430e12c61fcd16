package app

import (
	"sort"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
)

var log = logging.Logger("app")

// applyLogLevels sets the global level, then the per-subsystem overrides.
// Unknown subsystems are reported and skipped.
func applyLogLevels(c config.Log) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		log.Warnf("LOG: bad level %q, keeping info", c.Level)
		lvl = logging.LevelInfo
	}
	logging.SetAllLoggers(lvl)

	names := make([]string, 0, len(c.Subsystems))
	for name := range c.Subsystems {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := logging.SetLogLevel(name, c.Subsystems[name]); err != nil {
			log.Warnf("LOG: %s=%s: %v", name, c.Subsystems[name], err)
		}
	}
}
