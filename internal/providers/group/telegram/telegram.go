package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/membersync/internal/config"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API for one group chat.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	chatID     int64
}

// New validates the Telegram configuration and returns a group API client.
func New(cfg config.Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Telegram.BotToken)
	if token == "" || cfg.Telegram.GroupChatID == 0 {
		return nil, groupdomain.ErrNotConfigured
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		chatID:     cfg.Telegram.GroupChatID,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

type chatMember struct {
	Status string `json:"status"`
	User   struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"user"`
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram %s: %s", method, parsed.Description)
	}
	if result != nil {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) ListMembers(ctx context.Context) ([]groupdomain.Member, error) {
	var raw []chatMember
	err := c.call(ctx, "getChatMembers", map[string]any{"chat_id": c.chatID}, &raw)
	if err != nil {
		return nil, err
	}
	members := make([]groupdomain.Member, 0, len(raw))
	for _, m := range raw {
		members = append(members, groupdomain.Member{
			UserID:    m.User.ID,
			Username:  m.User.Username,
			FirstName: m.User.FirstName,
			LastName:  m.User.LastName,
			Status:    groupdomain.MemberStatus(m.Status),
		})
	}
	return members, nil
}

func (c *Client) GetMemberStatus(ctx context.Context, userID int64) (groupdomain.MemberStatus, error) {
	var raw chatMember
	err := c.call(ctx, "getChatMember", map[string]any{"chat_id": c.chatID, "user_id": userID}, &raw)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return "", groupdomain.ErrMemberNotFound
		}
		return "", err
	}
	return groupdomain.MemberStatus(raw.Status), nil
}

func (c *Client) AddMember(ctx context.Context, userID int64) error {
	return c.call(ctx, "addChatMember", map[string]any{"chat_id": c.chatID, "user_id": userID}, nil)
}

func (c *Client) BanMember(ctx context.Context, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]any{"chat_id": c.chatID, "user_id": userID}, nil)
}

func (c *Client) SendMessage(ctx context.Context, userID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{"chat_id": userID, "text": text}, nil)
}
