package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/batch"
	"github.com/etienneschalk/scientific-data-viewer-sub002/agent/message"
	testnet "github.com/etienneschalk/scientific-data-viewer-sub002/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// testScripts maps worker script names to shell bodies. The worker
// contract only requires an executable that prints one JSON document, so
// the tests drive the agent with a shell interpreter instead of Python.
type testScripts map[string]string

func defaultScripts() testScripts {
	return testScripts{
		"check_package_availability.py": `printf '{"xarray": true, "numpy": true, "matplotlib": true}'`,
		"get_data_info.py": `
mode="$1"
case "$mode" in
info) printf '{"path": "%s", "variables": ["temp", "salinity"]}' "$2" ;;
plot) printf '{"variable": "%s", "image": "aWJvcg=="}' "$3" ;;
*) echo "unknown mode $mode" >&2; exit 2 ;;
esac
`,
		"get_show_versions.py":       `printf '{"python": "3.11.4"}'`,
		"get_text_representation.py": `printf '{"text": "<Dataset>"}'`,
	}
}

func startTestAgent(t *testing.T, scripts testScripts, opts ...Option) *Client {
	t.Helper()

	dir := t.TempDir()
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0755))
	}

	port, err := testnet.GetEphemeralTCPPort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	agentOpts := append([]Option{
		WithListenAddr(addr),
		WithLogLevel(zapcore.WarnLevel),
	}, opts...)
	a, err := NewAgent(Worker{Python: "sh", ScriptsDir: dir}, agentOpts...)
	require.NoError(t, err)
	go a.Run()
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})

	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zapcore.WarnLevel))
	require.NoError(t, err)
	client := NewClient(logger.Sugar(), addr, WithClientRequestTimeout(5*time.Second))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func waitReady(t *testing.T, client *Client) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.State != SessionUninitialized
	}, 10*time.Second, 50*time.Millisecond, "session never became ready")
}

func TestSessionLifecycle(t *testing.T) {
	client := startTestAgent(t, defaultScripts())
	waitReady(t, client)

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionReady, status.State)
	assert.Zero(t, status.LiveOperations)

	raw, err := client.GetInfo(context.Background(), "/data/sample.nc")
	require.NoError(t, err)
	var info struct {
		Path      string   `json:"path"`
		Variables []string `json:"variables"`
	}
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, "/data/sample.nc", info.Path)
	assert.Equal(t, []string{"temp", "salinity"}, info.Variables)

	packages, err := client.CheckPackages(context.Background(), []string{"xarray", "numpy"})
	require.NoError(t, err)
	assert.True(t, packages["xarray"])

	raw, err = client.RunOperation(context.Background(), OpShowVersions, nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "3.11.4")
}

func TestNotReadyRejection(t *testing.T) {
	scripts := defaultScripts()
	scripts["check_package_availability.py"] = `sleep 1; printf '{"xarray": true}'`
	client := startTestAgent(t, scripts)

	_, err := client.GetInfo(context.Background(), "/data/sample.nc")
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, message.KindNotReady, msgErr.Kind)

	waitReady(t, client)
	_, err = client.GetInfo(context.Background(), "/data/sample.nc")
	require.NoError(t, err)
}

func TestUnknownCommand(t *testing.T) {
	client := startTestAgent(t, defaultScripts())
	waitReady(t, client)

	_, err := client.Bus().Request(context.Background(), "defragmentTheIonosphere", nil, 2*time.Second)
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, message.KindUnknownCommand, msgErr.Kind)
}

func TestWorkerFailure(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_show_versions.py"] = `echo kaput >&2; exit 2`
	client := startTestAgent(t, scripts)
	waitReady(t, client)

	_, err := client.RunOperation(context.Background(), OpShowVersions, nil)
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, message.KindWorkerFailure, msgErr.Kind)
	assert.Contains(t, msgErr.Message, "kaput")
}

func TestWorkerTimeout(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_text_representation.py"] = `sleep 30; printf '{}'`
	client := startTestAgent(t, scripts, WithLimits(Limits{
		RequestTimeout: 100 * time.Millisecond,
		ExecTimeout:    500 * time.Millisecond,
		MaxParallel:    1,
	}))
	waitReady(t, client)

	// Wait past the server-side deadline so the authoritative timeout
	// kind comes back, not the client-side one.
	start := time.Now()
	_, err := client.Bus().Request(context.Background(), "runOperation",
		RunOperationParams{Name: OpTextRepresentation, Args: []string{"/data/sample.nc"}}, 10*time.Second)
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, message.KindWorkerTimeout, msgErr.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientSideTimeout(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_text_representation.py"] = `sleep 30; printf '{}'`
	client := startTestAgent(t, scripts)
	waitReady(t, client)

	start := time.Now()
	_, err := client.Bus().Request(context.Background(), "runOperation",
		RunOperationParams{Name: OpTextRepresentation, Args: []string{"/data/sample.nc"}}, 100*time.Millisecond)
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Equal(t, message.KindTimeout, msgErr.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAbortOperation(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_text_representation.py"] = `sleep 30; printf '{}'`
	client := startTestAgent(t, scripts)
	waitReady(t, client)

	started := make(chan OperationStartedEvent, 1)
	unsub := client.OnOperationStarted(func(ev OperationStartedEvent) {
		select {
		case started <- ev:
		default:
		}
	})
	defer unsub()

	result := make(chan error, 1)
	go func() {
		_, err := client.Bus().Request(context.Background(), "runOperation",
			RunOperationParams{Name: OpTextRepresentation, Args: []string{"/data/sample.nc"}}, 30*time.Second)
		result <- err
	}()

	var ev OperationStartedEvent
	select {
	case ev = <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("no operationStarted event")
	}
	assert.Equal(t, OpTextRepresentation, ev.Name)

	require.NoError(t, client.AbortOperation(context.Background(), ev.OperationID))
	// Aborting twice must be harmless.
	require.NoError(t, client.AbortOperation(context.Background(), ev.OperationID))

	select {
	case err := <-result:
		var msgErr *message.Error
		require.ErrorAs(t, err, &msgErr)
		assert.Equal(t, message.KindAborted, msgErr.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("aborted operation never resolved")
	}
}

func TestPlotAll(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_data_info.py"] = `
case "$1" in
info) printf '{"path": "%s"}' "$2" ;;
plot) sleep 0.05; printf '{"variable": "%s"}' "$3" ;;
esac
`
	client := startTestAgent(t, scripts, WithLimits(Limits{
		RequestTimeout: 5 * time.Second,
		ExecTimeout:    30 * time.Second,
		MaxParallel:    2,
	}))
	waitReady(t, client)

	var mu sync.Mutex
	var progress []batch.Progress
	unsub := client.OnBatchProgress(func(p batch.Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	defer unsub()

	report, err := client.PlotAll(context.Background(), PlotAllParams{
		Path:      "/data/sample.nc",
		Variables: []string{"a", "b", "c", "d", "e"},
	}, 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Completed)
	assert.False(t, report.CancelledByUser)
	require.Len(t, report.Outcomes, 5)
	assert.Contains(t, string(report.Outcomes["c"].Payload), `"c"`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 5
	}, 5*time.Second, 20*time.Millisecond, "expected one progress event per plot")
	mu.Lock()
	last := progress[len(progress)-1]
	mu.Unlock()
	assert.InDelta(t, 100, last.Percent, 0.01)
}

func TestPlotAllCancel(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_data_info.py"] = `
case "$1" in
info) printf '{"path": "%s"}' "$2" ;;
plot) sleep 30; printf '{}' ;;
esac
`
	client := startTestAgent(t, scripts, WithLimits(Limits{
		RequestTimeout: 5 * time.Second,
		ExecTimeout:    60 * time.Second,
		MaxParallel:    2,
	}))
	waitReady(t, client)

	reportCh := make(chan *batch.Report, 1)
	go func() {
		report, err := client.PlotAll(context.Background(), PlotAllParams{
			Path:      "/data/sample.nc",
			Variables: []string{"a", "b", "c", "d"},
		}, 60*time.Second)
		if err != nil {
			t.Errorf("plotAll failed: %s", err)
		}
		reportCh <- report
	}()

	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.Batch != nil
	}, 10*time.Second, 20*time.Millisecond)

	cancelled, err := client.CancelBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, cancelled)

	var report *batch.Report
	select {
	case report = <-reportCh:
	case <-time.After(20 * time.Second):
		t.Fatal("cancelled batch never reported")
	}
	assert.True(t, report.CancelledByUser)
	assert.Equal(t, report.Aborted+report.Drained, 4-report.Completed)

	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.LiveOperations == 0
	}, 10*time.Second, 20*time.Millisecond, "running operations leaked past cancellation")

	cancelled, err = client.CancelBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, cancelled, "no batch left to cancel")
}

func TestSecondBatchRejectedWhileRunning(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_data_info.py"] = `
case "$1" in
info) printf '{}' ;;
plot) sleep 30; printf '{}' ;;
esac
`
	client := startTestAgent(t, scripts, WithLimits(Limits{
		RequestTimeout: 5 * time.Second,
		ExecTimeout:    60 * time.Second,
		MaxParallel:    1,
	}))
	waitReady(t, client)

	go func() {
		client.PlotAll(context.Background(), PlotAllParams{
			Path:      "/data/sample.nc",
			Variables: []string{"a", "b"},
		}, 60*time.Second)
	}()

	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.Batch != nil
	}, 10*time.Second, 20*time.Millisecond)

	_, err := client.PlotAll(context.Background(), PlotAllParams{
		Path:      "/data/sample.nc",
		Variables: []string{"c"},
	}, 5*time.Second)
	var msgErr *message.Error
	require.ErrorAs(t, err, &msgErr)
	assert.Contains(t, msgErr.Message, "already running")

	_, err = client.CancelBatch(context.Background())
	require.NoError(t, err)
}

func TestAbortAll(t *testing.T) {
	scripts := defaultScripts()
	scripts["get_text_representation.py"] = `sleep 30; printf '{}'`
	client := startTestAgent(t, scripts)
	waitReady(t, client)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Bus().Request(context.Background(), "runOperation",
				RunOperationParams{Name: OpTextRepresentation, Args: []string{"/data/sample.nc"}}, 30*time.Second)
			errCh <- err
		}()
	}

	require.Eventually(t, func() bool {
		status, err := client.Status(context.Background())
		return err == nil && status.LiveOperations == 2
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, client.AbortAll(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			var msgErr *message.Error
			require.ErrorAs(t, err, &msgErr)
			assert.Equal(t, message.KindAborted, msgErr.Kind)
		case <-time.After(10 * time.Second):
			t.Fatal("aborted operation never resolved")
		}
	}
}
