package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/models"
)

func TestOriginChecking(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"no origin header always allowed", []string{"http://localhost:3000"}, "", true},
		{"exact match allowed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"mismatch rejected", []string{"http://localhost:3000"}, "http://evil.example.com", false},
		{"wildcard allows any", []string{"*"}, "http://anything.example.com", true},
		{"second entry matches", []string{"http://a.example.com", "http://b.example.com"}, "http://b.example.com", true},
		{"empty list rejects browsers", nil, "http://localhost:3000", false},
		{"scheme must match", []string{"https://app.example.com"}, "http://app.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewReportHub(tt.origins, zap.NewNop())
			assert.Equal(t, tt.want, hub.originAllowed(tt.origin))
		})
	}
}

func TestReportStreamDeliversReports(t *testing.T) {
	hub := NewReportHub([]string{"*"}, zap.NewNop())
	defer hub.Close()

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/risk"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration happens before HandleStream blocks in the read pump.
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.EmitReport(&models.RiskReport{
		RequestID:    "stream-1",
		Timestamp:    time.Now().UTC(),
		Mode:         models.ModeBalanced,
		Action:       "allowed",
		OverallScore: 1.5,
		Level:        models.LevelSafe,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, StreamTypeReport, msg.Type)
	require.NotNil(t, msg.Report)
	assert.Equal(t, "stream-1", msg.Report.RequestID)
	assert.Equal(t, "allowed", msg.Report.Action)
}

func TestReportStreamRejectsDisallowedOrigin(t *testing.T) {
	hub := NewReportHub([]string{"http://localhost:3000"}, zap.NewNop())
	defer hub.Close()

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/risk"
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewReportHub([]string{"*"}, zap.NewNop())
	defer hub.Close()

	// A client that never drains its buffer is removed once it overflows.
	client := &streamClient{
		send: make(chan *StreamMessage, 1),
		done: make(chan struct{}),
	}
	hub.clients[client] = struct{}{}

	report := &models.RiskReport{RequestID: "r", Level: models.LevelSafe}
	hub.EmitReport(report) // fills the buffer
	require.Equal(t, 1, hub.ClientCount())

	hub.EmitReport(report) // overflows, client dropped
	assert.Equal(t, 0, hub.ClientCount())

	select {
	case <-client.done:
	default:
		t.Fatal("dropped client was not closed")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewReportHub([]string{"*"}, zap.NewNop())

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/risk"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.ClientCount())

	// After Close new upgrades are refused.
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn2.SetReadDeadline(time.Now().Add(time.Second))
		_, _, readErr := conn2.ReadMessage()
		assert.Error(t, readErr)
		conn2.Close()
	}
}
