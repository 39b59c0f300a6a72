package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"social-chat/internal/convo"
)

// RestClient is the authenticated REST surface the controller consumes:
// profile, search, conversation list, history, and append. Message sending
// goes through here, never through the socket, so a message is durable before
// any live delivery is attempted.
type RestClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewRestClient(baseURL, token string) *RestClient {
	return &RestClient{BaseURL: baseURL, Token: token, HTTP: http.DefaultClient}
}

type Profile struct {
	Handle string `json:"handle"`
	Set    bool   `json:"set"`
}

func (c *RestClient) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/chat/profile", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *RestClient) SetProfile(ctx context.Context, handle string) (*Profile, error) {
	var p Profile
	body := map[string]string{"handle": handle}
	if err := c.do(ctx, http.MethodPost, "/chat/profile", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *RestClient) Search(ctx context.Context, query string) ([]string, error) {
	var handles []string
	path := "/chat/search?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &handles); err != nil {
		return nil, err
	}
	return handles, nil
}

func (c *RestClient) Conversations(ctx context.Context) ([]*convo.Conversation, error) {
	var conversations []*convo.Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (c *RestClient) Start(ctx context.Context, targetHandle string) (*convo.Conversation, error) {
	var conversation convo.Conversation
	body := map[string]string{"target_handle": targetHandle}
	if err := c.do(ctx, http.MethodPost, "/chat/conversations/start", body, &conversation); err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (c *RestClient) History(ctx context.Context, conversationID, page int) ([]*convo.Message, error) {
	var messages []*convo.Message
	path := fmt.Sprintf("/chat/conversations/%d/messages?page=%d", conversationID, page)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *RestClient) Append(ctx context.Context, conversationID int, text string) (*convo.Message, error) {
	var msg convo.Message
	path := fmt.Sprintf("/chat/conversations/%d/messages", conversationID)
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RestClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Buffer
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(payload)
	} else {
		reader = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
