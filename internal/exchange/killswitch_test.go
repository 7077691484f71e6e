package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantor/mmexec/internal/obs"
)

func TestConfirmLiveEnable_ShadowAlwaysPasses(t *testing.T) {
	assert.NoError(t, ConfirmLiveEnable(false, false, "", obs.NewMetrics()))
	assert.NoError(t, ConfirmLiveEnable(false, true, "", nil))
}

func TestConfirmLiveEnable_TestnetBypasses(t *testing.T) {
	assert.NoError(t, ConfirmLiveEnable(true, true, "", nil))
}

func TestConfirmLiveEnable_LiveRequiresConsent(t *testing.T) {
	err := ConfirmLiveEnable(true, false, "0", nil)
	assert.ErrorIs(t, err, ErrLiveModeNotEnabled)

	assert.NoError(t, ConfirmLiveEnable(true, false, "1", obs.NewMetrics()))
}

func TestModeDescription(t *testing.T) {
	assert.Equal(t, "shadow (no-network, dry-run)", ModeDescription(false, false))
	assert.Equal(t, "testnet (network enabled, testnet endpoints)", ModeDescription(true, true))
	assert.Equal(t, "LIVE (network enabled, production endpoints)", ModeDescription(true, false))
}
