package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PresentCoach/internal/archive"
	"PresentCoach/internal/media"
	"PresentCoach/internal/testutil"
	"PresentCoach/internal/transport"
)

func fastMedia() media.Config {
	cfg := media.DefaultConfig()
	cfg.FrameInterval = 20 * time.Millisecond
	cfg.AudioFlushInterval = 60 * time.Millisecond
	cfg.AudioTimeslice = 10 * time.Millisecond
	return cfg
}

func newLive(t *testing.T, baseURL string, device media.Device, archiver Archiver) *Live {
	live := NewLive(LiveConfig{
		Device:    device,
		Media:     fastMedia(),
		Transport: testutil.FastTransportConfig(baseURL),
		Archiver:  archiver,
	})
	t.Cleanup(func() {
		_ = live.Discard(context.Background())
	})
	return live
}

func TestLiveSessionAgainstServer(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	device := media.NewSyntheticDevice(320, 240)
	live := newLive(t, server.GetHTTPURL(), device, nil)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()
	require.NoError(t, live.Start(ctx))
	assert.ErrorIs(t, live.Start(ctx), ErrAlreadyRunning)

	snap := live.Store().Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.True(t, snap.IsConnected)
	assert.False(t, snap.IsLoading)
	assert.NotEmpty(t, snap.SessionID)
	assert.False(t, strings.HasPrefix(snap.SessionID, transport.MockSessionPrefix))

	require.Eventually(t, func() bool {
		return len(live.Store().Snapshot().History) >= 4
	}, testutil.DefaultTimeout, 10*time.Millisecond, "no feedback received")

	require.NoError(t, live.Stop(ctx))
	assert.ErrorIs(t, live.Stop(ctx), ErrNotRunning)

	snap = live.Store().Snapshot()
	assert.Equal(t, StatusStopped, snap.Status)
	assert.False(t, snap.IsConnected)
	assert.NotNil(t, snap.Feedback)
	assert.Equal(t, 0, device.ActiveStreams())
	server.WaitForConnections(0, testutil.DefaultTimeout)
	assert.Equal(t, "stopped", server.SessionStatus(snap.SessionID))

	stats := live.Stats()
	assert.False(t, stats.Running)
	assert.Greater(t, stats.Capture.FramesCaptured, uint64(0))
	assert.Greater(t, stats.Transport.MessagesSent, uint64(0))

	summary := live.Summary()
	assert.NotEmpty(t, summary.Categories)
	assert.NotEmpty(t, summary.Overall)
}

func TestLiveRejectedAcquire(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	device := media.NewSyntheticDevice(320, 240)
	device.OpenErr = media.ErrPermissionDenied
	live := newLive(t, server.GetHTTPURL(), device, nil)

	err := live.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	snap := live.Store().Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Contains(t, snap.Error, "camera or microphone")
	assert.False(t, snap.IsConnected)
	assert.Empty(t, snap.SessionID)
	assert.False(t, live.Running())

	// 没有建立任何通道
	assert.Equal(t, uint64(0), server.GetStats().SessionsStarted)
	assert.Equal(t, 0, server.ConnectionCount())
	assert.ErrorIs(t, live.Stop(context.Background()), ErrNotRunning)
}

func TestLiveSimulatedFallback(t *testing.T) {
	device := media.NewSyntheticDevice(320, 240)
	live := newLive(t, "http://127.0.0.1:1", device, nil)

	require.NoError(t, live.Start(context.Background()))

	snap := live.Store().Snapshot()
	assert.Equal(t, StatusRecording, snap.Status)
	assert.True(t, snap.IsConnected)
	assert.True(t, strings.HasPrefix(snap.SessionID, transport.MockSessionPrefix))
	assert.Contains(t, snap.Notice, "simulated")

	require.Eventually(t, func() bool {
		return live.Store().Snapshot().Feedback != nil
	}, testutil.DefaultTimeout, 10*time.Millisecond)

	require.NoError(t, live.Stop(context.Background()))
	assert.Equal(t, StatusStopped, live.Store().Snapshot().Status)
	assert.Equal(t, 0, device.ActiveStreams())
}

func TestLiveConnectFailureReleasesDevice(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()
	server.SetFailBootstrap(true)

	device := media.NewSyntheticDevice(320, 240)
	live := NewLive(LiveConfig{
		Device: device,
		Media:  fastMedia(),
		Transport: func() *transport.Config {
			cfg := testutil.FastTransportConfig(server.GetHTTPURL())
			cfg.EnableSimulation = false
			return cfg
		}(),
	})

	err := live.Start(context.Background())
	var connErr *transport.ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "bootstrap", connErr.Stage)

	snap := live.Store().Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.False(t, snap.IsConnected)
	assert.Equal(t, 0, device.ActiveStreams())
	assert.False(t, live.Running())
}

func TestLiveConnectionLostKeepsRecording(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	device := media.NewSyntheticDevice(320, 240)
	live := newLive(t, server.GetHTTPURL(), device, nil)
	require.NoError(t, live.Start(context.Background()))

	server.SetRejectUpgrades(true)
	server.DropAll()

	require.Eventually(t, func() bool {
		return strings.Contains(live.Store().Snapshot().Notice, "Disconnected")
	}, testutil.DefaultTimeout, 10*time.Millisecond)

	snap := live.Store().Snapshot()
	assert.Equal(t, StatusRecording, snap.Status, "exhausted reconnects must not end the session")
	assert.False(t, snap.IsConnected)
	assert.True(t, live.Running())

	require.NoError(t, live.Stop(context.Background()))
	assert.Equal(t, StatusStopped, live.Store().Snapshot().Status)
}

func TestLiveRestartResetsState(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	device := media.NewSyntheticDevice(320, 240)
	live := newLive(t, server.GetHTTPURL(), device, nil)

	require.NoError(t, live.Start(context.Background()))
	first := live.Store().Snapshot().SessionID
	require.NoError(t, live.Stop(context.Background()))

	require.NoError(t, live.Start(context.Background()))
	second := live.Store().Snapshot()
	assert.NotEqual(t, first, second.SessionID)
	assert.Equal(t, StatusRecording, second.Status)
	assert.Equal(t, 2, device.Opens())
	assert.Equal(t, 1, device.ActiveStreams())
}

func TestLiveSaveAndDiscard(t *testing.T) {
	server := testutil.NewTestServer(t)
	server.Start()

	client := archive.New(server.GetHTTPURL(), archive.StaticCredentials("token"))
	live := newLive(t, server.GetHTTPURL(), media.NewSyntheticDevice(320, 240), client)

	assert.ErrorIs(t, live.Save(context.Background()), ErrNothingToSave)

	require.NoError(t, live.Start(context.Background()))
	require.Eventually(t, func() bool {
		return live.Store().Snapshot().Feedback != nil
	}, testutil.DefaultTimeout, 10*time.Millisecond)
	require.NoError(t, live.Stop(context.Background()))

	sessionID := live.Store().Snapshot().SessionID
	require.NoError(t, live.Save(context.Background()))

	saved, err := server.Repository().Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Contains(t, string(saved.Feedback), "eye_contact")

	require.NoError(t, live.Discard(context.Background()))
	assert.Equal(t, InitialState(), live.Store().Snapshot())
}

func TestLiveSaveWithoutArchiver(t *testing.T) {
	live := NewLive(LiveConfig{
		Device:    media.NewSyntheticDevice(320, 240),
		Transport: transport.DefaultConfig("http://127.0.0.1:1"),
	})
	assert.ErrorIs(t, live.Save(context.Background()), ErrNoArchiver)
}
