package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Client is the resty-backed implementation of Adapter.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	apiKey     string
}

// sendRequest is the gateway's message-send payload.
type sendRequest struct {
	To       string `json:"to"`
	Content  string `json:"content"`
	MediaRef string `json:"mediaRef,omitempty"`
}

// sendResponse is the gateway's message-send result.
type sendResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status,omitempty"`
}

// NewClient creates a new gateway client.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gateway apiKey cannot be empty")
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Authorization", "Bearer "+apiKey).
		SetTimeout(10 * time.Second)

	log.Info().Str("baseURL", baseURL).Msg("Gateway client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

// Send delivers a text message through a channel session.
func (c *Client) Send(ctx context.Context, sessionID, to, content string) (string, error) {
	return c.send(ctx, sessionID, sendRequest{To: to, Content: content})
}

// SendMedia delivers a message carrying an attachment reference.
func (c *Client) SendMedia(ctx context.Context, sessionID, to, content, mediaRef string) (string, error) {
	return c.send(ctx, sessionID, sendRequest{To: to, Content: content, MediaRef: mediaRef})
}

func (c *Client) send(ctx context.Context, sessionID string, payload sendRequest) (string, error) {
	url := fmt.Sprintf("/api/v1/sessions/%s/messages", sessionID)

	var result sendResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post(url)
	if err != nil {
		log.Error().Err(err).Str("sessionID", sessionID).Str("to", payload.To).
			Msg("Gateway send request failed")
		return "", fmt.Errorf("gateway send request failed: %w", err)
	}
	if resp.IsError() {
		log.Error().Str("sessionID", sessionID).Int("statusCode", resp.StatusCode()).
			Str("responseBody", string(resp.Body())).Msg("Gateway send returned an error")
		return "", fmt.Errorf("gateway send error: status %s, body: %s", resp.Status(), resp.String())
	}

	log.Debug().Str("sessionID", sessionID).Str("to", payload.To).
		Str("externalID", result.MessageID).Msg("Message sent through gateway")
	return result.MessageID, nil
}

// DownloadMedia fetches an attachment payload from the gateway.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if mediaURL == "" {
		return nil, "", fmt.Errorf("media URL cannot be empty")
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetDoNotParseResponse(false).
		Get(mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("gateway media download failed: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("gateway media download error: status %s", resp.Status())
	}

	contentType := resp.Header().Get("Content-Type")
	return resp.Body(), contentType, nil
}
