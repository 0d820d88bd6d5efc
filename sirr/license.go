package sirr

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// DefaultFreeTierLimit caps active records on unlicensed instances. The
// effective value is operator-configurable.
const DefaultFreeTierLimit = 25

// licenseKeyPrefix is the required prefix of a well-formed license key,
// followed by 32 hex characters.
const licenseKeyPrefix = "sirr_"

// LicenseState enumerates the effective license posture of the instance.
type LicenseState uint8

const (
	// LicenseFree is the unlicensed tier, capped at the free-tier limit.
	LicenseFree LicenseState = iota

	// LicenseLicensed removes the record cap.
	LicenseLicensed

	// LicenseInvalid means a key was supplied but is malformed; the
	// daemon refuses to start rather than silently downgrade.
	LicenseInvalid
)

// LicenseStatus is the result of the offline license check. Reason is only
// set for LicenseInvalid.
type LicenseStatus struct {
	State  LicenseState
	Reason string
}

// EffectiveStatus performs the offline format check of a license key. An
// empty key is the free tier. A well-formed key is "sirr_" followed by 32
// hex characters; anything else is invalid.
func EffectiveStatus(licenseKey string) LicenseStatus {
	if licenseKey == "" {
		return LicenseStatus{State: LicenseFree}
	}
	if !strings.HasPrefix(licenseKey, licenseKeyPrefix) {
		return LicenseStatus{
			State:  LicenseInvalid,
			Reason: fmt.Sprintf("license key must start with %q", licenseKeyPrefix),
		}
	}
	rest := strings.TrimPrefix(licenseKey, licenseKeyPrefix)
	if len(rest) != 32 {
		return LicenseStatus{
			State:  LicenseInvalid,
			Reason: "license key must be 32 hex characters after the prefix",
		}
	}
	if _, err := hex.DecodeString(rest); err != nil {
		return LicenseStatus{
			State:  LicenseInvalid,
			Reason: "license key contains non-hex characters",
		}
	}
	return LicenseStatus{State: LicenseLicensed}
}

// OnlineValidator checks a license key against a remote validation service.
// A falsy or erroring result is treated by callers as a free-tier rejection,
// never as a crash.
type OnlineValidator struct {
	client *http.Client
	url    string
}

// NewOnlineValidator builds a validator for the given endpoint.
func NewOnlineValidator(validatorURL string) *OnlineValidator {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = 5 * time.Second
	return &OnlineValidator{client: client, url: validatorURL}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	InstanceID string `json:"instance_id"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
}

// Validate posts the license key to the validation service and returns
// whether it vouched for the key.
func (v *OnlineValidator) Validate(ctx context.Context, licenseKey, instanceID string) (bool, error) {
	body, err := json.Marshal(&validateRequest{LicenseKey: licenseKey, InstanceID: instanceID})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("license validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("license validator returned status %d", resp.StatusCode)
	}

	out := &validateResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode license validator response: %w", err)
	}
	return out.Valid, nil
}
