package command

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/secretdrop/sirr/command/agent"
	"github.com/secretdrop/sirr/sirr"
	"github.com/secretdrop/sirr/sirr/state"
)

type RotateCommand struct {
	Meta
}

func (c *RotateCommand) Help() string {
	helpText := `
Usage: sirr rotate

  Re-encrypt every stored secret under a freshly generated master key and
  replace the key file. The daemon must be stopped first; rotate takes an
  exclusive lock on the database.

  Rotation is all-or-nothing. If any record fails to re-encrypt the
  database is left untouched and the old key file remains valid.
`
	return strings.TrimSpace(helpText)
}

func (c *RotateCommand) Synopsis() string {
	return "Rotate the master encryption key"
}

func (c *RotateCommand) AutocompleteFlags() complete.Flags {
	return nil
}

func (c *RotateCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *RotateCommand) Run(args []string) int {
	flags := c.Meta.FlagSet("rotate")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 0 {
		c.Ui.Error(c.Help())
		return 1
	}

	config := agent.DefaultConfig()
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error resolving data directory: %s", err))
		return 1
	}

	keyPath := filepath.Join(dataDir, agent.KeyFileName)
	if _, err := os.Stat(keyPath); err != nil {
		c.Ui.Error(fmt.Sprintf("No key file at %s; nothing to rotate", keyPath))
		return 1
	}

	old, err := sirr.LoadKeyFile(keyPath, 1)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error loading key file: %s", err))
		return 1
	}
	defer old.Zero()

	store, err := state.Open(filepath.Join(dataDir, agent.DBFileName), old, hclog.NewNullLogger())
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error opening database: %s", err))
		return 1
	}
	defer store.Close()

	current, err := store.MaxKeyVersion()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error reading key versions: %s", err))
		return 1
	}
	if current == 0 {
		current = old.Version()
	}

	next, err := sirr.GenerateEncrypter(current + 1)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error generating key: %s", err))
		return 1
	}
	defer next.Zero()

	n, err := store.Rotate(next)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Rotation failed, database and key file unchanged: %s", err))
		return 1
	}

	// The key file is only replaced once every record has been
	// re-encrypted and committed.
	if err := next.WriteKeyFile(keyPath); err != nil {
		c.Ui.Error(fmt.Sprintf("Secrets were re-encrypted but writing %s failed: %s", keyPath, err))
		c.Ui.Error("The old key file no longer matches the database; restore from backup or recreate secrets.")
		return 1
	}

	c.Ui.Output(fmt.Sprintf("rotated %d secret(s) to key version %d", n, next.Version()))
	return 0
}
