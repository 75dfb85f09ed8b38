package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-inventum/internal/domain"
)

func TestNewSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSession("/dev/ttyACM0", clock)

	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "/dev/ttyACM0", s.Device)
	assert.Equal(t, LinkStateConnected, s.GetState())

	stats := s.GetStats()
	assert.Equal(t, clock.Now(), stats.ConnectedAt)
	assert.Equal(t, clock.Now(), stats.LastActivity)
	assert.Zero(t, stats.BytesReceived)
	assert.Nil(t, s.LatestRecord())
}

func TestSession_UniqueIDs(t *testing.T) {
	a := NewSession("a", nil)
	b := NewSession("a", nil)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSession_Counters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSession("dev", clock)

	clock.Advance(time.Second)
	s.AddBytesReceived(100)
	s.AddBytesReceived(20)
	s.AddBytesSent(5)
	s.SetDroppedLines(2)
	s.SetDecoderResets(3)
	s.IncrementWatchdogResets()
	s.UpdateLastCommand()

	stats := s.GetStats()
	assert.Equal(t, int64(120), stats.BytesReceived)
	assert.Equal(t, int64(5), stats.BytesSent)
	assert.Equal(t, int64(2), stats.LinesDropped)
	assert.Equal(t, int64(3), stats.DecoderResets)
	assert.Equal(t, int64(1), stats.WatchdogResets)
	assert.Equal(t, clock.Now(), stats.LastActivity)
	assert.Equal(t, clock.Now(), stats.LastCommand)
	assert.Equal(t, time.Second, stats.Duration)
}

func TestSession_AutomationState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSession("dev", clock)

	s.SetAutomationState("main_menu", "main_menu")
	first := s.GetStats().LastTransition
	assert.Equal(t, clock.Now(), first)

	clock.Advance(time.Minute)
	s.SetAutomationState("main_menu", "set_fan_high")
	stats := s.GetStats()
	assert.Equal(t, first, stats.LastTransition, "target change alone is not a transition")
	assert.Equal(t, "set_fan_high", stats.TargetState)

	s.SetAutomationState("io_status_menu", "set_fan_high")
	assert.Equal(t, clock.Now(), s.GetStats().LastTransition)
}

func TestSession_Records(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSession("dev", clock)

	rec := domain.NewRecord(clock.Now(), 1)
	rec.Set("fan-speed-mode", domain.Reading{Status: "ok", Value: "3"})
	s.AddRecord(rec)
	s.SetFanStatus("3")

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.RecordsDecoded)
	assert.Equal(t, rec.Timestamp, stats.LastRecord)
	assert.Equal(t, "3", stats.FanStatus)
	assert.Same(t, rec, s.LatestRecord())
}

func TestSession_IsIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSession("dev", clock)

	clock.Advance(30 * time.Second)
	assert.False(t, s.IsIdle(time.Minute))

	clock.Advance(31 * time.Second)
	assert.True(t, s.IsIdle(time.Minute))

	s.AddBytesReceived(1)
	assert.False(t, s.IsIdle(time.Minute))
}

func TestSession_Close(t *testing.T) {
	s := NewSession("dev", nil)
	s.SetState(LinkStateCapturing)
	s.Close()
	assert.Equal(t, LinkStateDisconnected, s.GetState())
}

func TestLinkStateString(t *testing.T) {
	tests := []struct {
		state    LinkState
		expected string
	}{
		{LinkStateConnected, "connected"},
		{LinkStateLoggedIn, "logged_in"},
		{LinkStateCapturing, "capturing"},
		{LinkStateDisconnected, "disconnected"},
		{LinkState(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestStats_JSON(t *testing.T) {
	s := NewSession("dev", clockwork.NewFakeClock())
	s.SetState(LinkStateLoggedIn)

	data, err := json.Marshal(s.GetStats())
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "logged_in", decoded["state"])
	assert.Equal(t, "dev", decoded["device"])
}

func TestSession_ConcurrentAccess(t *testing.T) {
	s := NewSession("dev", nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.AddBytesReceived(1)
				s.SetAutomationState("main_menu", "main_menu")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.GetStats()
				_ = s.LatestRecord()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1000), s.GetStats().BytesReceived)
}
