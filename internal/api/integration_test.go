package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-inventum/internal/api"
	"github.com/resident-x/go-inventum/internal/config"
	"github.com/resident-x/go-inventum/internal/domain"
	"github.com/resident-x/go-inventum/internal/session"
)

// commandRecorder is a CommandSink with a bounded queue.
type commandRecorder struct {
	mu       sync.Mutex
	capacity int
	received []domain.Command
}

func (c *commandRecorder) Submit(cmd domain.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) >= c.capacity {
		return domain.ErrMailboxFull
	}
	c.received = append(c.received, cmd)
	return nil
}

func postCommand(t *testing.T, url, command string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/api/v1/commands", "application/json",
		strings.NewReader(`{"command":"`+command+`"}`))
	require.NoError(t, err)
	return resp
}

// TestHTTPAPIIntegration tests the API against a live session
func TestHTTPAPIIntegration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess := session.NewSession("/dev/ttyACM0", clock)
	commands := &commandRecorder{capacity: 2}

	apiServer := api.NewServer(config.DefaultConfig(), "test", sess, commands)
	testServer := httptest.NewServer(apiServer.GetRouter())
	defer testServer.Close()

	t.Run("Status", func(t *testing.T) {
		sess.AddBytesReceived(512)
		sess.SetAutomationState("main_menu", "main_menu")
		clock.Advance(10 * time.Second)

		resp, err := http.Get(testServer.URL + "/api/v1/status")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var status map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

		assert.Equal(t, "ok", status["status"])
		assert.Equal(t, true, status["idle"])

		stats := status["session"].(map[string]interface{})
		assert.Equal(t, "/dev/ttyACM0", stats["device"])
		assert.Equal(t, float64(512), stats["bytes_received"])
		assert.Equal(t, "main_menu", stats["current_state"])
	})

	t.Run("Latest Record", func(t *testing.T) {
		resp, err := http.Get(testServer.URL + "/api/v1/records/latest")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		record := domain.NewRecord(clock.Now(), 2)
		record.Set("temp-c", domain.Reading{Status: "s1", Value: "21.5"})
		record.Set("bypass", domain.Reading{Status: "s3", Value: "0"})
		sess.AddRecord(record)

		resp, err = http.Get(testServer.URL + "/api/v1/records/latest")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Fields json.RawMessage `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t,
			`{"temp-c":{"status":"s1","value":"21.5"},"bypass":{"status":"s3","value":"0"}}`,
			string(body.Fields), "fields keep descriptor order")
	})

	t.Run("Commands", func(t *testing.T) {
		resp := postCommand(t, testServer.URL, "fan-high")
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = postCommand(t, testServer.URL, "FAN=0")
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = postCommand(t, testServer.URL, "data-start")
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		resp = postCommand(t, testServer.URL, "bogus")
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		commands.mu.Lock()
		defer commands.mu.Unlock()
		assert.Equal(t, []domain.Command{domain.CommandFanHigh, domain.CommandFanAuto}, commands.received)
	})
}
