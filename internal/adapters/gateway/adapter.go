// Package gateway talks to the external messaging gateway (a wuzapi-style
// HTTP API). Whatever protocol the gateway runs underneath is opaque to
// this service: the adapter exposes send/download primitives and the
// webhook layer feeds inbound events into the ingestion pipeline.
package gateway

import "context"

// Adapter is the outbound contract toward the messaging channel.
type Adapter interface {
	// Send delivers a text message through a channel session and returns
	// the channel-assigned external message ID.
	Send(ctx context.Context, sessionID, to, content string) (string, error)
	// SendMedia delivers a message with an attachment reference.
	SendMedia(ctx context.Context, sessionID, to, content, mediaRef string) (string, error)
	// DownloadMedia fetches an attachment payload and its MIME type.
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
}
