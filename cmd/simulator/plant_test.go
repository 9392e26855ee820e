package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlantPumpCycles(t *testing.T) {
	p := newPlant()

	var sawOn, sawOffAgain bool
	for range 200 {
		v := p.step()
		require.GreaterOrEqual(t, v["Level"], 0.0)
		require.LessOrEqual(t, v["Level"], 100.0)
		if v["PumpRunning"] == 1 {
			sawOn = true
		} else if sawOn {
			sawOffAgain = true
		}
	}
	require.True(t, sawOn)
	require.True(t, sawOffAgain)
}

func TestPlantApproachesSetPoint(t *testing.T) {
	p := newPlant()
	var v map[string]float64
	for range 300 {
		v = p.step()
	}
	require.InDelta(t, 65, v["Temperature"], 3)
	require.Equal(t, float64(300), v["Cycle"])
	require.Equal(t, 65.0, v["SetPoint"])
}
