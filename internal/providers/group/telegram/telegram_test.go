package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/membersync/internal/config"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    srv.URL,
		token:      "test-token",
		chatID:     -100,
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	_, err := New(config.Config{})
	assert.ErrorIs(t, err, groupdomain.ErrNotConfigured)

	_, err = New(config.Config{Telegram: config.TelegramConfig{BotToken: "abc"}})
	assert.ErrorIs(t, err, groupdomain.ErrNotConfigured)

	client, err := New(config.Config{Telegram: config.TelegramConfig{BotToken: "abc", GroupChatID: -100}})
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestGetMemberStatus(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/getChatMember", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(42), payload["user_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"status": "administrator",
				"user":   map[string]any{"id": 42},
			},
		})
	})

	status, err := client.GetMemberStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, groupdomain.MemberStatusAdministrator, status)
	assert.True(t, status.Active())
}

func TestGetMemberStatusNotFound(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"description": "Bad Request: user not found",
		})
	})

	_, err := client.GetMemberStatus(context.Background(), 42)
	assert.ErrorIs(t, err, groupdomain.ErrMemberNotFound)
}

func TestListMembersMapsRoster(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"status": "member", "user": map[string]any{"id": 1, "username": "alice", "first_name": "Alice"}},
				{"status": "left", "user": map[string]any{"id": 2, "username": "bob"}},
			},
		})
	})

	members, err := client.ListMembers(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, int64(1), members[0].UserID)
	assert.Equal(t, "alice", members[0].Username)
	assert.True(t, members[0].Status.Active())
	assert.False(t, members[1].Status.Active())
}

func TestBanMemberSurfacesAPIError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"description": "Bad Request: not enough rights",
		})
	})

	err := client.BanMember(context.Background(), 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough rights")
}

func TestSendMessageTargetsUserChat(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(42), payload["chat_id"])
		assert.Equal(t, "hello", payload["text"])

		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	})

	require.NoError(t, client.SendMessage(context.Background(), 42, "hello"))
}
