package command

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/secretdrop/sirr/command/agent"
)

type ServeCommand struct {
	Meta
}

func (c *ServeCommand) Help() string {
	helpText := `
Usage: sirr serve [options]

  Start the sirr daemon: load or create the master key, open the secret
  store, and serve the HTTP API until interrupted.

  Configuration comes from SIRR_* environment variables; the flags below
  override them.

Serve Options:

  -host=<addr>
    Address to bind. Defaults to $SIRR_HOST or 0.0.0.0.

  -port=<port>
    Port to listen on. Defaults to $SIRR_PORT or 39999.

  -log-level=<level>
    One of error, warn, info, debug, or verbose. Defaults to
    $SIRR_LOG_LEVEL or warn.
`
	return strings.TrimSpace(helpText)
}

func (c *ServeCommand) Synopsis() string {
	return "Start the sirr daemon"
}

func (c *ServeCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-host":      complete.PredictAnything,
		"-port":      complete.PredictAnything,
		"-log-level": complete.PredictSet("error", "warn", "info", "debug", "verbose"),
	}
}

func (c *ServeCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *ServeCommand) Run(args []string) int {
	config := agent.DefaultConfig()

	flags := c.Meta.FlagSet("serve")
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&config.Host, "host", config.Host, "")
	flags.IntVar(&config.Port, "port", config.Port, "")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 0 {
		c.Ui.Error(c.Help())
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "sirr",
		Level: logLevel(config.LogLevel),
	})

	if !config.NoBanner {
		c.Ui.Output(banner)
	}

	a, err := agent.NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}

	srv, err := agent.NewHTTPServer(a, config)
	if err != nil {
		a.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error starting HTTP server: %s", err))
		return 1
	}
	c.Ui.Output(fmt.Sprintf("sirr listening on %s", srv.Addr))

	// Block until interrupted, then drain.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))

	srv.Shutdown()
	if err := a.Shutdown(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
		return 1
	}
	return 0
}

// logLevel maps the configured level onto hclog, treating the legacy
// "verbose" alias as debug.
func logLevel(raw string) hclog.Level {
	if strings.EqualFold(raw, "verbose") {
		return hclog.Debug
	}
	if level := hclog.LevelFromString(raw); level != hclog.NoLevel {
		return level
	}
	return hclog.Warn
}

const banner = `
     _
 ___(_)_ __ _ __
/ __| | '__| '__|
\__ \ | |  | |
|___/_|_|  |_|   ephemeral secret store
`
