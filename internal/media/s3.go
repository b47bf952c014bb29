// Package media archives message attachments in S3-compatible storage.
// Upload failures never fail ingestion: the message falls back to a
// placeholder body and the attachment is simply not archived.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"chatrouter/internal/models"
)

// Config holds the S3 storage settings.
type Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// Store uploads attachments and resolves their public URLs. Disabled
// stores answer every call with ErrDisabled.
type Store struct {
	client *s3.Client
	config Config
}

// ErrDisabled reports that media archiving is not configured.
var ErrDisabled = fmt.Errorf("media storage disabled")

// NewStore builds an S3 media store from config.
func NewStore(config Config) (*Store, error) {
	if !config.Enabled {
		return &Store{config: config}, nil
	}
	if config.AccessKey == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("media storage enabled but S3 credentials are missing")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("media storage enabled but S3 bucket is missing")
	}

	cfg := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, ""),
	}
	if config.Endpoint != "" {
		endpoint := config.Endpoint
		cfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, HostnameImmutable: config.PathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	// Dots in bucket names break virtual-hosted TLS, force path style.
	usePathStyle := config.PathStyle || strings.Contains(config.Bucket, ".")
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	})

	log.Info().Str("bucket", config.Bucket).Str("region", config.Region).
		Str("endpoint", config.Endpoint).Msg("S3 media store initialized")
	return &Store{client: client, config: config}, nil
}

// Enabled reports whether archiving is active.
func (s *Store) Enabled() bool {
	return s != nil && s.config.Enabled && s.client != nil
}

// objectKey lays attachments out by chat, date and media class.
func (s *Store) objectKey(chatID uint, externalMessageID, mimeType string) string {
	now := time.Now().UTC()

	mediaType := "documents"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		mediaType = "images"
	case strings.HasPrefix(mimeType, "video/"):
		mediaType = "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		mediaType = "audio"
	}

	ext := ".bin"
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		ext = ".jpg"
	case strings.Contains(mimeType, "png"):
		ext = ".png"
	case strings.Contains(mimeType, "gif"):
		ext = ".gif"
	case strings.Contains(mimeType, "webp"):
		ext = ".webp"
	case strings.Contains(mimeType, "mp4"):
		ext = ".mp4"
	case strings.Contains(mimeType, "ogg"):
		ext = ".ogg"
	case strings.Contains(mimeType, "opus"):
		ext = ".opus"
	case strings.Contains(mimeType, "pdf"):
		ext = ".pdf"
	}

	return fmt.Sprintf("chats/%d/%s/%s/%s%s",
		chatID, now.Format("2006/01/02"), mediaType, externalMessageID, ext)
}

// Upload archives an attachment and returns its public URL.
func (s *Store) Upload(ctx context.Context, chatID uint, externalMessageID string, data []byte, mimeType string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}

	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := s.objectKey(chatID, externalMessageID, mimeType)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Uint("chatID", chatID).Str("key", key).
			Str("mimeType", mimeType).Int("size", len(data)).
			Msg("Failed to upload attachment to S3")
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().Uint("chatID", chatID).Str("key", key).Int("size", len(data)).
		Msg("Attachment archived to S3")
	return s.publicURL(key), nil
}

func (s *Store) publicURL(key string) string {
	if s.config.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.config.PublicURL, "/"), s.config.Bucket, key)
	}
	if s.config.Endpoint != "" && !strings.Contains(s.config.Endpoint, "amazonaws.com") {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.config.Endpoint, "/"), s.config.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.config.Bucket, s.config.Region, key)
}

// TestConnection verifies the bucket is reachable.
func (s *Store) TestConnection(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.config.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

// Placeholder is the degraded message body used when an attachment
// cannot be fetched or archived, e.g. "[IMAGE] - error".
func Placeholder(messageType models.MessageType) string {
	return fmt.Sprintf("[%s] - error", string(messageType))
}
