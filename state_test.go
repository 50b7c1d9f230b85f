package supervise

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleStateString(t *testing.T) {
	assert.Equal(t, "UNLOADED", StateUnloaded.String())
	assert.Equal(t, "LOADED", StateLoaded.String())
	assert.Equal(t, "PAUSED", StatePaused.String())
	assert.Equal(t, "SAFE_MODE", StateSafeMode.String())
	assert.Equal(t, "UNKNOWN", ModuleState(99).String())
}

func TestModuleStatusJSON(t *testing.T) {
	data, err := json.Marshal(ModuleStatus{Name: "alpha", State: StateSafeMode, Version: "1.0.0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alpha","state":"SAFE_MODE","version":"1.0.0"}`, string(data))
}
