package convo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memStore reproduces the repository's semantics in memory: canonical-pair
// get-or-create, per-conversation monotonic timestamps, last-message pointer.
type memStore struct {
	mu            sync.Mutex
	nextConvID    int
	nextMsgID     int
	byPair        map[string]*Conversation
	conversations map[int]*Conversation
	messages      map[int][]*Message
}

func newMemStore() *memStore {
	return &memStore{
		byPair:        make(map[string]*Conversation),
		conversations: make(map[int]*Conversation),
		messages:      make(map[int][]*Message),
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (s *memStore) GetOrCreate(_ context.Context, handleA, handleB string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(handleA, handleB)
	if c, ok := s.byPair[key]; ok {
		cp := *c
		return &cp, nil
	}

	a, b := handleA, handleB
	if b < a {
		a, b = b, a
	}
	s.nextConvID++
	c := &Conversation{ID: s.nextConvID, HandleA: a, HandleB: b, CreatedAt: time.Now().UTC()}
	s.byPair[key] = c
	s.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *memStore) Get(_ context.Context, id int) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) Append(_ context.Context, conversationID int, sender, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !c.HasParticipant(sender) {
		return nil, ErrForbidden
	}

	ts := time.Now().UTC()
	if c.LastMessageAt != nil && ts.Before(*c.LastMessageAt) {
		ts = *c.LastMessageAt
	}

	s.nextMsgID++
	m := &Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		Sender:         sender,
		Receiver:       c.Peer(sender),
		Content:        content,
		CreatedAt:      ts,
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.LastMessageText = content
	c.LastMessageAt = &ts

	cp := *m
	return &cp, nil
}

func (s *memStore) ListForHandle(_ context.Context, handle string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(handle) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case li == nil:
			return false
		case lj == nil:
			return true
		case !li.Equal(*lj):
			return li.After(*lj)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memStore) Messages(_ context.Context, conversationID, limit, offset int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[conversationID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]*Message, 0, end-offset)
	for _, m := range all[offset:end] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func TestStartIsSymmetric(t *testing.T) {
	s := NewService(newMemStore())
	ctx := context.Background()

	c1, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)
	c2, err := s.Start(ctx, "bree", "alex")
	require.NoError(t, err)

	require.Equal(t, c1.ID, c2.ID)
}

func TestStartRejectsSelfChat(t *testing.T) {
	s := NewService(newMemStore())

	_, err := s.Start(context.Background(), "alex", "alex")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Start(context.Background(), "alex", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAppendValidation(t *testing.T) {
	s := NewService(newMemStore())
	ctx := context.Background()

	c, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)

	_, err = s.Append(ctx, c.ID, "alex", "   ")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Append(ctx, c.ID, "intruder", "hi")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = s.Append(ctx, c.ID+99, "alex", "hi")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendDerivesReceiverAndUpdatesPointer(t *testing.T) {
	store := newMemStore()
	s := NewService(store)
	ctx := context.Background()

	c, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)

	start := time.Now().UTC()
	msg, err := s.Append(ctx, c.ID, "alex", "hi")
	require.NoError(t, err)
	require.Equal(t, "bree", msg.Receiver)
	require.False(t, msg.CreatedAt.Before(start))

	updated, err := s.store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", updated.LastMessageText)
	require.NotNil(t, updated.LastMessageAt)
	require.True(t, updated.LastMessageAt.Equal(msg.CreatedAt))
}

func TestHistoryOrderMatchesAppendOrder(t *testing.T) {
	s := NewService(newMemStore())
	ctx := context.Background()

	c, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)

	var wanted []string
	for i := 0; i < 10; i++ {
		text := fmt.Sprintf("msg-%d", i)
		sender := "alex"
		if i%2 == 1 {
			sender = "bree"
		}
		_, err := s.Append(ctx, c.ID, sender, text)
		require.NoError(t, err)
		wanted = append(wanted, text)
	}

	history, err := s.History(ctx, c.ID, "bree", 0)
	require.NoError(t, err)
	require.Len(t, history, 10)

	prev := time.Time{}
	for i, m := range history {
		require.Equal(t, wanted[i], m.Content)
		require.False(t, m.CreatedAt.Before(prev), "timestamps must be non-decreasing")
		prev = m.CreatedAt
	}
}

func TestHistoryForbiddenForNonParticipant(t *testing.T) {
	s := NewService(newMemStore())
	ctx := context.Background()

	c, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)

	_, err = s.History(ctx, c.ID, "intruder", 0)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = s.History(ctx, c.ID, "alex", -1)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// A page huge enough to overflow the offset math is rejected up front
	// instead of reaching the store as a negative offset.
	_, err = s.History(ctx, c.ID, "alex", math.MaxInt)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestListForHandleMostRecentFirst(t *testing.T) {
	s := NewService(newMemStore())
	ctx := context.Background()

	withBree, err := s.Start(ctx, "alex", "bree")
	require.NoError(t, err)
	withCody, err := s.Start(ctx, "alex", "cody")
	require.NoError(t, err)

	_, err = s.Append(ctx, withBree.ID, "alex", "first")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Append(ctx, withCody.ID, "alex", "second")
	require.NoError(t, err)

	list, err := s.ListForHandle(ctx, "alex")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, withCody.ID, list[0].ID)
	require.Equal(t, withBree.ID, list[1].ID)

	list, err = s.ListForHandle(ctx, "bree")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, withBree.ID, list[0].ID)
}
