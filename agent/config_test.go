package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitsValidate(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	cases := []struct {
		name   string
		limits Limits
	}{
		{"zero request timeout", Limits{RequestTimeout: 0, ExecTimeout: time.Minute, MaxParallel: 1}},
		{"zero exec timeout", Limits{RequestTimeout: time.Second, ExecTimeout: 0, MaxParallel: 1}},
		{"exec not longer than request", Limits{RequestTimeout: time.Minute, ExecTimeout: time.Minute, MaxParallel: 1}},
		{"exec shorter than request", Limits{RequestTimeout: time.Minute, ExecTimeout: time.Second, MaxParallel: 1}},
		{"zero parallelism", Limits{RequestTimeout: time.Second, ExecTimeout: time.Minute, MaxParallel: 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Error(t, c.limits.Validate())
		})
	}
}

func TestWorkerValidate(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Worker{Python: "python3", ScriptsDir: dir}.Validate())
	assert.Error(t, Worker{Python: "", ScriptsDir: dir}.Validate())
	assert.Error(t, Worker{Python: "python3", ScriptsDir: dir + "/missing"}.Validate())
}

func TestWorkerSpec(t *testing.T) {
	w := Worker{Python: "python3", ScriptsDir: "/opt/workers"}

	spec, err := w.Spec(OpCreatePlot, []string{"plot", "/data/x.nc", "temp"})
	require.NoError(t, err)
	assert.Equal(t, "python3", spec.Command)
	assert.Equal(t, []string{"/opt/workers/get_data_info.py", "plot", "/data/x.nc", "temp"}, spec.Args)

	_, err = w.Spec("divineTheWeather", nil)
	require.Error(t, err)
}
