package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestPager(b Backend, pageSize int) *MessagePager {
	return NewMessagePager(b, pageSize, zerolog.Nop(), nil, nil)
}

func TestMessagePagerMergesPagesOldestFirst(t *testing.T) {
	b := &mockBackend{}
	b.On("ListMessages", mock.Anything, int64(5), 1, 3).Return(page(5, 8, 8, 7, 6), nil).Once()
	b.On("ListMessages", mock.Anything, int64(5), 2, 3).Return(page(5, 8, 5, 4, 3), nil).Once()
	b.On("ListMessages", mock.Anything, int64(5), 3, 3).Return(page(5, 8, 2, 1), nil).Once()

	p := newTestPager(b, 3)
	ctx := context.Background()

	require.NoError(t, p.Select(ctx, 5))
	assert.Equal(t, []int64{6, 7, 8}, ids(p.Messages()))
	assert.True(t, p.HasMore())

	require.NoError(t, p.LoadMore(ctx))
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8}, ids(p.Messages()))

	require.NoError(t, p.LoadMore(ctx))
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids(p.Messages()))
	assert.False(t, p.HasMore())

	require.NoError(t, p.LoadMore(ctx), "no-op once everything is held")
	b.AssertExpectations(t)
}

func TestMessagePagerLoadMoreWhileLoadingFetchesOnce(t *testing.T) {
	b := &mockBackend{}
	release := make(chan struct{})
	b.On("ListMessages", mock.Anything, int64(1), 1, 2).Return(page(1, 10, 10, 9), nil).Once()
	b.On("ListMessages", mock.Anything, int64(1), 2, 2).
		Run(func(mock.Arguments) { <-release }).
		Return(page(1, 10, 8, 7), nil).Once()

	p := newTestPager(b, 2)
	ctx := context.Background()
	require.NoError(t, p.Select(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- p.LoadMore(ctx) }()
	require.Eventually(t, p.Loading, time.Second, time.Millisecond)

	require.NoError(t, p.LoadMore(ctx))
	close(release)
	require.NoError(t, <-done)

	b.AssertNumberOfCalls(t, "ListMessages", 2)
	assert.Equal(t, []int64{7, 8, 9, 10}, ids(p.Messages()))
	assert.False(t, p.Loading())
}

func TestMessagePagerDiscardsStaleResponse(t *testing.T) {
	b := &mockBackend{}
	started, release := make(chan struct{}), make(chan struct{})
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return(page(1, 1, 100), nil).Once()
	b.On("ListMessages", mock.Anything, int64(2), 1, 50).Return(page(2, 2, 201, 200), nil).Once()

	p := newTestPager(b, 0)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- p.Select(ctx, 1) }()
	<-started

	require.NoError(t, p.Select(ctx, 2))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, int64(2), p.Active())
	assert.Equal(t, []int64{200, 201}, ids(p.Messages()))
}

func TestMessagePagerReselectStartsFreshLoad(t *testing.T) {
	b := &mockBackend{}
	started, release := make(chan struct{}), make(chan struct{})
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).
		Run(func(mock.Arguments) { close(started); <-release }).
		Return(page(1, 1, 100), nil).Once()
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(page(1, 2, 101, 100), nil).Once()

	p := newTestPager(b, 0)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- p.Select(ctx, 1) }()
	<-started

	require.NoError(t, p.Select(ctx, 1))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{100, 101}, ids(p.Messages()))
	b.AssertNumberOfCalls(t, "ListMessages", 2)
}

func TestMessagePagerLoadError(t *testing.T) {
	b := &mockBackend{}
	apiErr := &APIError{StatusCode: 500, Method: "GET", Path: "/conversations/1/messages"}
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(nil, apiErr).Once()
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(page(1, 1, 1), nil).Once()

	p := newTestPager(b, 0)
	err := p.Select(context.Background(), 1)
	require.Error(t, err)
	var got *APIError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, 500, got.StatusCode)
	assert.False(t, p.Loading(), "guard is released after a failure")

	require.NoError(t, p.LoadPage(context.Background(), 1, 1))
	assert.Equal(t, []int64{1}, ids(p.Messages()))
}

func TestMessagePagerPrependSkipsHeldMessages(t *testing.T) {
	b := &mockBackend{}
	b.On("ListMessages", mock.Anything, int64(1), 1, 2).Return(page(1, 5, 5, 4), nil).Once()
	// One message arrived since page 1, shifting page 2 by one.
	b.On("ListMessages", mock.Anything, int64(1), 2, 2).Return(page(1, 6, 4, 3), nil).Once()

	p := newTestPager(b, 2)
	ctx := context.Background()
	require.NoError(t, p.Select(ctx, 1))
	require.NoError(t, p.LoadMore(ctx))

	assert.Equal(t, []int64{3, 4, 5}, ids(p.Messages()))
}

func TestMessagePagerAppendPushed(t *testing.T) {
	b := &mockBackend{}
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(page(1, 1, 10), nil).Once()

	p := newTestPager(b, 0)
	require.NoError(t, p.Select(context.Background(), 1))

	assert.False(t, p.AppendPushed(Message{ConversationID: 2, Content: "elsewhere"}))
	assert.False(t, p.AppendPushed(Message{ID: 10, ConversationID: 1}), "held server id")

	require.True(t, p.AppendPushed(Message{ConversationID: 1, Content: "a"}))
	require.True(t, p.AppendPushed(Message{ConversationID: 1, Content: "b"}))
	require.True(t, p.AppendPushed(Message{ID: 11, ConversationID: 1, Content: "c"}))

	msgs := p.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, int64(10), msgs[0].ID)
	assert.Equal(t, []string{"a", "b", "c"}, []string{msgs[1].Content, msgs[2].Content, msgs[3].Content})
	assert.Less(t, msgs[1].ID, int64(0), "synthesized ids stay clear of server ids")
	assert.Less(t, msgs[2].ID, int64(0))
	assert.NotEqual(t, msgs[1].ID, msgs[2].ID)
	assert.Equal(t, int64(11), msgs[3].ID)
}

func TestMessagePagerPageOneKeepsUnresolvedSends(t *testing.T) {
	b := &mockBackend{}
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(page(1, 1, 10), nil)

	p := newTestPager(b, 0)
	ctx := context.Background()
	require.NoError(t, p.Select(ctx, 1))
	require.True(t, p.insertLocal(Message{ConversationID: 1, LocalID: "local-x", Pending: true}))
	require.True(t, p.AppendPushed(Message{ConversationID: 1, Content: "pushed"}))

	require.NoError(t, p.LoadPage(ctx, 1, 1))

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(10), msgs[0].ID)
	assert.Equal(t, "local-x", msgs[1].LocalID)
}

func TestMessagePagerNotifiesSnapshots(t *testing.T) {
	b := &mockBackend{}
	b.On("ListMessages", mock.Anything, int64(1), 1, 50).Return(page(1, 1, 10), nil)

	var snaps [][]Message
	p := NewMessagePager(b, 0, zerolog.Nop(), nil, func(m []Message) { snaps = append(snaps, m) })
	require.NoError(t, p.Select(context.Background(), 1))

	require.Len(t, snaps, 2)
	assert.Empty(t, snaps[0])
	require.Len(t, snaps[1], 1)

	snaps[1][0].Content = "mutated by observer"
	assert.Empty(t, p.Messages()[0].Content)
}
