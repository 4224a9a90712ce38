package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

type ValidateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	configFile string
}

// NewValidateCommand returns the validate command.
func NewValidateCommand(rootCmd *RootCommand, app *kingpin.Application) *ValidateCommand {
	c := &ValidateCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("validate", "Validate a node configuration file without starting the host.")
	c.Cmd.Flag("config", "Path to the node configuration YAML file.").Short('c').Default("wasihub.yaml").StringVar(&c.configFile)

	return c
}

func (c ValidateCommand) Name() string { return c.Cmd.FullCommand() }

func (c ValidateCommand) Run(ctx context.Context) error {
	cfg, err := loadHostConfig(ctx, c.configFile, c.rootCmd.Logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	enabled := 0
	for _, u := range cfg.Units {
		if u.Enabled {
			enabled++
		}
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Configuration OK: role=%s node=%s units=%d enabled=%d interval=%s\n",
		cfg.Cluster.Role, cfg.Cluster.NodeID, len(cfg.Units), enabled, cfg.PollInterval)

	return nil
}
