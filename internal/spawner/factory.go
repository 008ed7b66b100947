package spawner

import (
	"fmt"

	"github.com/zjrosen/ralphd/internal/config"
)

// New returns the spawner variant for the given mode using the configured
// worker command. An empty mode falls back to headless.
func New(mode config.SpawnerMode, cfg config.SpawnerConfig) (Spawner, error) {
	switch mode {
	case config.SpawnerHeadless, "":
		return NewHeadless(cfg.Command, cfg.Args), nil
	case config.SpawnerPTY:
		return NewPTY(cfg.Command, cfg.Args, cfg.PTYCols, cfg.PTYRows, cfg.ReadyMarker), nil
	case config.SpawnerContainer:
		return NewContainer(cfg.Command, cfg.Args, ContainerConfig{
			Image:          cfg.Image,
			Memory:         cfg.Memory,
			CPUs:           cfg.CPUs,
			PidsLimit:      cfg.PidsLimit,
			CredentialsDir: cfg.CredentialsDir,
		}), nil
	default:
		return nil, fmt.Errorf("unknown spawner mode %q", mode)
	}
}
