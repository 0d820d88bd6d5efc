package command

import (
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the meta-options and functionality that every sirr command
// inherits.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet with the common behavior every command
// implements.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// uiErrorWriter routes flag-package output through the CLI UI.
type uiErrorWriter struct {
	ui cli.Ui
}

func (w *uiErrorWriter) Write(p []byte) (int, error) {
	w.ui.Error(string(p))
	return len(p), nil
}
