package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"student_insights/config"
)

func TestNewWithoutDestination(t *testing.T) {
	w := New(config.NotifyConfig{})
	assert.Nil(t, w)
	assert.NoError(t, w.Notify(context.Background(), "ignored"))
}

func TestNewBotOnlyUsesGroupMe(t *testing.T) {
	w := New(config.NotifyConfig{BotID: "bot-1"})
	require.NotNil(t, w)
	assert.Equal(t, GroupMeURL, w.URL)
}

func TestNotifyPostsMessage(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := New(config.NotifyConfig{WebhookURL: srv.URL, BotID: "bot-1"})
	require.NoError(t, w.Notify(context.Background(), "Insights run r1 finished: completed"))
	assert.Equal(t, Message{Text: "Insights run r1 finished: completed", BotID: "bot-1"}, got)
}

func TestNotifyReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(config.NotifyConfig{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
