package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type received struct {
	mu       sync.Mutex
	payloads []map[string]string
}

func appriseServer(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notify/" {
			http.NotFound(w, r)
			return
		}
		var p map[string]string
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.payloads = append(rec.payloads, p)
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func testAlert() *types.Alert {
	return &types.Alert{
		ID:           "1:temperature:out_of_range",
		Amplifier:    1,
		Name:         "900 B",
		Field:        "temperature",
		AlertType:    "out_of_range",
		Severity:     "critical",
		State:        types.StateFiring,
		FiredAt:      time.Now(),
		Message:      "900 B temperature out of range: 92 (limit 0..80)",
		RelatedState: map[string]string{"value": "92"},
	}
}

func TestSendAlertPostsToApprise(t *testing.T) {
	srv, rec := appriseServer(t, http.StatusOK)
	t.Setenv(APIURLEnv, srv.URL)
	t.Setenv("OPS_URL", "slack://a/b/c")

	n := NewNotifier(map[string]config.ChannelConfig{
		"ops": {Type: "apprise", URLEnv: "OPS_URL"},
	}, zerolog.Nop())

	require.NoError(t, n.SendAlert(testAlert(), []string{"ops"}))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.payloads, 1)
	require.Equal(t, "slack://a/b/c", rec.payloads[0]["urls"])
	require.Contains(t, rec.payloads[0]["title"], "900 B")
	require.Contains(t, rec.payloads[0]["body"], "Field: temperature")
	require.Contains(t, rec.payloads[0]["body"], "Value: 92")
}

func TestSendAlertSkipsUnsetChannels(t *testing.T) {
	srv, rec := appriseServer(t, http.StatusOK)
	t.Setenv(APIURLEnv, srv.URL)

	n := NewNotifier(map[string]config.ChannelConfig{
		"ops": {Type: "apprise", URLEnv: "AMPCTL_TEST_UNSET_URL"},
	}, zerolog.Nop())

	require.NoError(t, n.SendAlert(testAlert(), []string{"ops"}))
	require.Empty(t, rec.payloads)
}

func TestSendAlertFallsBackToChannelEnv(t *testing.T) {
	srv, rec := appriseServer(t, http.StatusOK)
	t.Setenv(APIURLEnv, srv.URL)
	t.Setenv("APPRISE_PAGER_URL", "pagerduty://key")

	n := NewNotifier(nil, zerolog.Nop())
	require.NoError(t, n.SendAlert(testAlert(), []string{"pager"}))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.payloads, 1)
	require.Equal(t, "pagerduty://key", rec.payloads[0]["urls"])
}

func TestSendAlertReportsTotalFailure(t *testing.T) {
	srv, _ := appriseServer(t, http.StatusInternalServerError)
	t.Setenv(APIURLEnv, srv.URL)
	t.Setenv("OPS_URL", "slack://a/b/c")

	n := NewNotifier(map[string]config.ChannelConfig{
		"ops": {Type: "apprise", URLEnv: "OPS_URL"},
	}, zerolog.Nop())
	require.Error(t, n.SendAlert(testAlert(), []string{"ops"}))
}

func TestFormatResolvedMessage(t *testing.T) {
	n := NewNotifier(nil, zerolog.Nop())
	alert := testAlert()
	now := time.Now()
	alert.State = types.StateResolved
	alert.ResolvedAt = &now

	title, body := n.formatMessage(alert)
	require.Contains(t, title, "🟢")
	require.Contains(t, body, "Resolved at:")
}
