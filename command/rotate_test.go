package command

import (
	"path/filepath"
	"testing"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/secretdrop/sirr/command/agent"
	"github.com/secretdrop/sirr/sirr"
	"github.com/secretdrop/sirr/sirr/state"
	"github.com/secretdrop/sirr/sirr/structs"
)

func TestRotateCommand(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("SIRR_DATA_DIR", dataDir)

	keyPath := filepath.Join(dataDir, agent.KeyFileName)
	dbPath := filepath.Join(dataDir, agent.DBFileName)

	// Seed a store with one secret under key version 1.
	e, err := sirr.GenerateEncrypter(1)
	must.NoError(t, err)
	must.NoError(t, e.WriteKeyFile(keyPath))

	store, err := state.Open(dbPath, e, hclog.NewNullLogger())
	must.NoError(t, err)
	_, err = store.PutSecret(&structs.SecretPutRequest{Key: "k", Value: []byte("survives rotation")})
	must.NoError(t, err)
	must.NoError(t, store.Close())
	e.Zero()

	ui := cli.NewMockUi()
	cmd := &RotateCommand{Meta: Meta{Ui: ui}}
	code := cmd.Run(nil)
	must.Eq(t, 0, code, must.Sprintf("stderr: %s", ui.ErrorWriter.String()))
	must.StrContains(t, ui.OutputWriter.String(), "rotated 1 secret(s) to key version 2")

	// The rewritten key file decrypts the rotated record.
	rotated, err := sirr.LoadKeyFile(keyPath, 2)
	must.NoError(t, err)
	defer rotated.Zero()

	store, err = state.Open(dbPath, rotated, hclog.NewNullLogger())
	must.NoError(t, err)
	defer store.Close()

	result, err := store.GetSecret("k")
	must.NoError(t, err)
	must.Eq(t, structs.GetOutcomeValue, result.Outcome)
	must.Eq(t, "survives rotation", string(result.Value))

	maxVersion, err := store.MaxKeyVersion()
	must.NoError(t, err)
	must.Eq(t, uint32(2), maxVersion)
}

func TestRotateCommand_NoKeyFile(t *testing.T) {
	t.Setenv("SIRR_DATA_DIR", t.TempDir())

	ui := cli.NewMockUi()
	cmd := &RotateCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 1, cmd.Run(nil))
	must.StrContains(t, ui.ErrorWriter.String(), "No key file")
}

func TestRotateCommand_RejectsArgs(t *testing.T) {
	t.Setenv("SIRR_DATA_DIR", t.TempDir())

	ui := cli.NewMockUi()
	cmd := &RotateCommand{Meta: Meta{Ui: ui}}
	must.Eq(t, 1, cmd.Run([]string{"extra"}))
}
