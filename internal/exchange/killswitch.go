package exchange

import (
	"errors"
	"fmt"
	"os"

	"github.com/quantor/mmexec/internal/obs"
)

// EnvLiveEnable is the environment toggle for the live-trading kill-switch.
const EnvLiveEnable = "MM_LIVE_ENABLE"

// ErrLiveModeNotEnabled aborts startup when live mode lacks dual consent.
var ErrLiveModeNotEnabled = errors.New("live mode not enabled")

// ConfirmLiveEnable enforces dual consent for live trading: the live flag
// path (network without testnet) plus MM_LIVE_ENABLE=1. Shadow and testnet
// modes always pass. envValue overrides the environment when non-empty, for
// tests.
func ConfirmLiveEnable(networkEnabled, testnet bool, envValue string, metrics *obs.Metrics) error {
	setGauge := func(v float64) {
		if metrics != nil {
			metrics.LiveEnable.Set(v)
		}
	}

	if !networkEnabled || testnet {
		setGauge(0)
		return nil
	}

	if envValue == "" {
		envValue = os.Getenv(EnvLiveEnable)
		if envValue == "" {
			envValue = "0"
		}
	}
	if envValue != "1" {
		setGauge(0)
		return fmt.Errorf("%w: live mode requires %s=1 (current value: %s=%s)",
			ErrLiveModeNotEnabled, EnvLiveEnable, EnvLiveEnable, envValue)
	}

	setGauge(1)
	return nil
}

// ModeDescription renders the current mode for logs and the CLI banner.
func ModeDescription(networkEnabled, testnet bool) string {
	switch {
	case !networkEnabled:
		return "shadow (no-network, dry-run)"
	case testnet:
		return "testnet (network enabled, testnet endpoints)"
	default:
		return "LIVE (network enabled, production endpoints)"
	}
}
