package convo

import (
	"context"
	"strings"
)

const (
	historyPageSize = 50
	// maxHistoryPage keeps page*historyPageSize far from int overflow; any
	// real conversation is orders of magnitude below it.
	maxHistoryPage = 1 << 20
)

// Store is the persistence surface of the conversation store. *Repository
// implements it against Postgres; tests substitute an in-memory version.
type Store interface {
	GetOrCreate(ctx context.Context, handleA, handleB string) (*Conversation, error)
	Get(ctx context.Context, id int) (*Conversation, error)
	Append(ctx context.Context, conversationID int, sender, content string) (*Message, error)
	ListForHandle(ctx context.Context, handle string) ([]*Conversation, error)
	Messages(ctx context.Context, conversationID, limit, offset int) ([]*Message, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Start finds or creates the one conversation for the unordered pair.
// Self-chat is rejected before touching the store.
func (s *Service) Start(ctx context.Context, handleA, handleB string) (*Conversation, error) {
	if handleA == "" || handleB == "" || handleA == handleB {
		return nil, ErrInvalidArgument
	}
	return s.store.GetOrCreate(ctx, handleA, handleB)
}

// Append validates and persists a message. The returned message carries the
// server-assigned ordering timestamp; callers push delivery only after this
// returns, so a message is never announced before it is durable.
func (s *Service) Append(ctx context.Context, conversationID int, sender, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.Append(ctx, conversationID, sender, content)
}

func (s *Service) ListForHandle(ctx context.Context, handle string) ([]*Conversation, error) {
	conversations, err := s.store.ListForHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if conversations == nil {
		conversations = []*Conversation{}
	}
	return conversations, nil
}

// History returns one ascending page of messages, refusing requesters that
// are not participants.
func (s *Service) History(ctx context.Context, conversationID int, requester string, page int) ([]*Message, error) {
	if page < 0 || page > maxHistoryPage {
		return nil, ErrInvalidArgument
	}

	c, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(requester) {
		return nil, ErrForbidden
	}

	messages, err := s.store.Messages(ctx, conversationID, historyPageSize, page*historyPageSize)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*Message{}
	}
	return messages, nil
}
