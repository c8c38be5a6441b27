package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/servimatch/MarketplaceBack/internal/models"
)

const MaxAttachmentBytes = 10 << 20

type StorageService interface {
	Upload(ctx context.Context, objectPath string, content []byte, contentType string) (string, error)
	// PublicURL is the address Upload returns for objectPath.
	PublicURL(objectPath string) string
}

type SupabaseStorageService struct {
	baseURL    string
	bucket     string
	serviceKey string
	httpClient *http.Client
}

func NewSupabaseStorageService(baseURL, bucket, serviceKey string) *SupabaseStorageService {
	return &SupabaseStorageService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		httpClient: http.DefaultClient,
	}
}

// Upload stores content at objectPath and returns its public URL.
func (s *SupabaseStorageService) Upload(ctx context.Context, objectPath string, content []byte, contentType string) (string, error) {
	objectPath = strings.Trim(objectPath, "/")
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("upload attachment: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return s.PublicURL(objectPath), nil
}

func (s *SupabaseStorageService) PublicURL(objectPath string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, strings.Trim(objectPath, "/"))
}

type conversationOpener interface {
	Open(ctx context.Context, conversationID, viewerID string) (*models.Conversation, error)
}

// AttachmentService uploads files for a conversation. The returned
// Attachment is sent along with the next message.
type AttachmentService struct {
	conversations conversationOpener
	storage       StorageService
}

func NewAttachmentService(conversations conversationOpener, storage StorageService) *AttachmentService {
	return &AttachmentService{conversations: conversations, storage: storage}
}

func (s *AttachmentService) Upload(
	ctx context.Context,
	conversationID string,
	uploaderID string,
	filename string,
	file io.Reader,
) (*Attachment, error) {
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}
	if _, err := s.conversations.Open(ctx, conversationID, uploaderID); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(file, MaxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(content) == 0 || len(content) > MaxAttachmentBytes {
		return nil, ErrInvalidArgument
	}

	contentType := http.DetectContentType(content)
	objectPath := path.Join(attachmentDir(conversationID), uuid.NewString()+strings.ToLower(path.Ext(filename)))

	url, err := s.storage.Upload(ctx, objectPath, content, contentType)
	if err != nil {
		return nil, unavailable("upload attachment", err)
	}

	if strings.HasPrefix(contentType, "image/") {
		return &Attachment{ImageURL: &url}, nil
	}
	return &Attachment{FileURL: &url}, nil
}

// Verify accepts only URLs this service hands out for conversationID. An
// attachment from anywhere else is ErrInvalidArgument.
func (s *AttachmentService) Verify(conversationID string, attachment Attachment) error {
	for _, url := range []*string{attachment.ImageURL, attachment.FileURL} {
		if url == nil {
			continue
		}
		if s.storage == nil {
			return ErrInvalidArgument
		}
		prefix := s.storage.PublicURL(attachmentDir(conversationID)) + "/"
		name, ok := strings.CutPrefix(*url, prefix)
		if !ok || name == "" || strings.ContainsAny(name, "/?#\\") || strings.Contains(name, "..") {
			return ErrInvalidArgument
		}
	}
	return nil
}

func attachmentDir(conversationID string) string {
	return path.Join("chat", conversationID)
}
