package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/spectra/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session id is not present in the store.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOrphanToolResult is returned when a tool message does not answer the
	// tool calls of the immediately preceding assistant message.
	ErrOrphanToolResult = errors.New("tool result does not match a preceding tool call")
)

// Store is the interface for session persistence.
type Store interface {
	// GetOrCreate returns the session for key, creating it on first reference.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// AppendMessage adds msg to the end of the session transcript.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns the most recent limit messages in chronological
	// order. A limit of 0 returns the whole transcript.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
}

// ListOptions configures session listing.
type ListOptions struct {
	// IdleSince, when set, only returns sessions last active before it.
	IdleSince time.Time
	Limit     int
	Offset    int
}
