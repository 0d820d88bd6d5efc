package agent

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/secretdrop/sirr/sirr"
	"github.com/secretdrop/sirr/sirr/state"
)

// Agent owns the long-lived pieces of the daemon: the master key, the state
// store, the background sweeper, and the webhook sender.
type Agent struct {
	config *Config
	logger hclog.Logger

	encrypter *sirr.Encrypter
	store     *state.StateStore
	sweeper   *sirr.Sweeper
	webhooks  *sirr.WebhookSender

	license   sirr.LicenseStatus
	validator *sirr.OnlineValidator

	// trustedProxies gates proxy-header IP attribution for the audit log.
	trustedProxies []netip.Prefix
}

// NewAgent loads or creates the key file, opens the store, resolves the
// license, and starts the background sweep. An invalid license key aborts
// startup rather than silently downgrading to the free tier.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger.Named("agent"),
	}

	a.license = sirr.EffectiveStatus(config.LicenseKey)
	switch a.license.State {
	case sirr.LicenseInvalid:
		return nil, fmt.Errorf("invalid SIRR_LICENSE_KEY: %s", a.license.Reason)
	case sirr.LicenseLicensed:
		a.logger.Info("license key accepted, record cap lifted")
		if config.LicenseValidatorURL != "" {
			a.validator = sirr.NewOnlineValidator(config.LicenseValidatorURL)
		}
	case sirr.LicenseFree:
		a.logger.Info("running on free tier", "limit", config.FreeTierLimit)
	}

	for _, raw := range config.TrustedProxies {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SIRR_TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		a.trustedProxies = append(a.trustedProxies, p)
	}

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	a.logger.Info("using data directory", "data_dir", dataDir)

	a.encrypter, err = loadOrCreateKey(filepath.Join(dataDir, KeyFileName), a.logger)
	if err != nil {
		return nil, err
	}

	a.store, err = state.Open(filepath.Join(dataDir, DBFileName), a.encrypter, logger)
	if err != nil {
		a.encrypter.Zero()
		return nil, err
	}

	// Records carry the key version they were last encrypted under; new
	// writes continue from the store's current maximum.
	if v, err := a.store.MaxKeyVersion(); err != nil {
		a.store.Close()
		a.encrypter.Zero()
		return nil, err
	} else if v > a.encrypter.Version() {
		a.encrypter.SetVersion(v)
	}

	a.webhooks = sirr.NewWebhookSender(a.store, logger, config.WebhookSecret, config.WebhookAllowedOrigins)
	a.sweeper = sirr.NewSweeper(a.store, logger, config.SweepInterval)

	return a, nil
}

// loadOrCreateKey reads the raw key file, generating a fresh key on first
// start.
func loadOrCreateKey(path string, logger hclog.Logger) (*sirr.Encrypter, error) {
	if _, err := os.Stat(path); err == nil {
		return sirr.LoadKeyFile(path, 1)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	e, err := sirr.GenerateEncrypter(1)
	if err != nil {
		return nil, err
	}
	if err := e.WriteKeyFile(path); err != nil {
		e.Zero()
		return nil, err
	}
	logger.Info("generated new encryption key", "path", path)
	return e, nil
}

// Shutdown stops the sweeper, closes the store, and scrubs the master key.
// In-flight transactions are allowed to finish.
func (a *Agent) Shutdown() error {
	var mErr multierror.Error

	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("failed to close state store: %w", err))
		}
	}
	if a.encrypter != nil {
		a.encrypter.Zero()
	}

	return mErr.ErrorOrNil()
}
