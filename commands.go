package main

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/secretdrop/sirr/command"
)

// Commands returns the mapping of CLI commands for sirr.
func Commands() map[string]cli.CommandFactory {
	meta := command.Meta{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}

	return map[string]cli.CommandFactory{
		"serve": func() (cli.Command, error) {
			return &command.ServeCommand{
				Meta: meta,
			}, nil
		},
		"rotate": func() (cli.Command, error) {
			return &command.RotateCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			rev, ver, rel := GetVersionParts()
			return &command.VersionCommand{
				Meta:    meta,
				Version: PrettyVersion(rev, ver, rel),
			}, nil
		},
	}
}
