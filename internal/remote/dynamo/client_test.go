package dynamo

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/remote"
)

// fakeTable is an in-memory table that understands the expressions Client uses.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	err      error
	queries  int
	tx       []*dynamodb.TransactWriteItemsInput
	pageSize int
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	return item["PK"].(*types.AttributeValueMemberS).Value + "|" + item["SK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeTable) put(item map[string]types.AttributeValue, cond *string) error {
	k := itemKey(item)
	if cond != nil && strings.HasPrefix(*cond, "attribute_not_exists") {
		if _, ok := f.items[k]; ok {
			return &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[k] = item
	return nil
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(item)}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.PutItemOutput{}, f.put(in.Item, in.ConditionExpression)
}

func (f *fakeTable) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	item["lastMessageText"] = in.ExpressionAttributeValues[":text"]
	item["lastMessageAt"] = in.ExpressionAttributeValues[":at"]
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	prefix := in.ExpressionAttributeValues[":prefix"].(*types.AttributeValueMemberS).Value
	var keys []string
	for k := range f.items {
		if strings.HasPrefix(k, pk+"|"+prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	if in.ExclusiveStartKey != nil {
		start := itemKey(in.ExclusiveStartKey)
		i, _ := slices.BinarySearch(keys, start)
		keys = keys[i+1:]
	}
	out := &dynamodb.QueryOutput{}
	if f.pageSize > 0 && len(keys) > f.pageSize {
		keys = keys[:f.pageSize]
		last := f.items[keys[len(keys)-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
	}
	for _, k := range keys {
		out.Items = append(out.Items, maps.Clone(f.items[k]))
	}
	return out, nil
}

func (f *fakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx = append(f.tx, in)
	if f.err != nil {
		return nil, f.err
	}
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			if err := f.put(ti.Put.Item, ti.Put.ConditionExpression); err != nil {
				return nil, &types.TransactionCanceledException{Message: aws.String("condition failed")}
			}
		case ti.Update != nil:
			item, ok := f.items[itemKey(ti.Update.Key)]
			if !ok {
				return nil, &types.TransactionCanceledException{Message: aws.String("condition failed")}
			}
			reader := ti.Update.ExpressionAttributeValues[":reader"].(*types.AttributeValueMemberSS).Value
			existing := setAttr(item, "readBy")
			for _, r := range reader {
				if !slices.Contains(existing, r) {
					existing = append(existing, r)
				}
			}
			item["readBy"] = &types.AttributeValueMemberSS{Value: existing}
			item["status"] = ti.Update.ExpressionAttributeValues[":read"]
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T, table *fakeTable, opts Options) *Client {
	t.Helper()
	now := t0
	var mu sync.Mutex
	if opts.Now == nil {
		opts.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(time.Second)
			return now
		}
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	n := 0
	opts.NewID = func() string { n++; return fmt.Sprintf("conv-%d", n) }
	c, err := New(table, "convsync-test", opts)
	require.NoError(t, err)
	return c
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, "t", Options{})
	require.Error(t, err)
	_, err = New(newFakeTable(), " ", Options{})
	require.Error(t, err)
}

func TestCreateConversationThenSend(t *testing.T) {
	table := newFakeTable()
	c := newClient(t, table, Options{})
	ctx := context.Background()

	id, err := c.CreateConversation(ctx, []string{"me", "bob"}, "me", "hello", "m1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", id)

	require.NoError(t, c.SendMessage(ctx, id, "me", "second", "m2"))
	// Resending the same id is idempotent.
	require.NoError(t, c.SendMessage(ctx, id, "me", "second again", "m2"))

	msgs, err := c.messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []string{"m1", "m2"}, []string{msgs[0].ID, msgs[1].ID})
	require.Equal(t, "second", msgs[1].Text)
	require.Equal(t, chat.StatusSent, msgs[1].Status)

	conv, err := c.Conversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "me"}, conv.ParticipantIDs)
	require.Equal(t, "second", conv.LastMessageText)
}

func TestConversationNotFound(t *testing.T) {
	c := newClient(t, newFakeTable(), Options{})
	_, err := c.Conversation(context.Background(), "missing")
	require.True(t, remote.IsCode(err, remote.CodeNotFound))
}

func TestMarkReadChunksTransactions(t *testing.T) {
	table := newFakeTable()
	c := newClient(t, table, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("m%02d", i)
		ids = append(ids, id)
		require.NoError(t, c.SendMessage(ctx, "c1", "bob", "hi", id))
	}
	require.NoError(t, c.MarkRead(ctx, "c1", ids, "me"))

	require.Len(t, table.tx, 2)
	require.Len(t, table.tx[0].TransactItems, 25)
	require.Len(t, table.tx[1].TransactItems, 5)

	msgs, err := c.messages(ctx, "c1")
	require.NoError(t, err)
	for _, m := range msgs {
		require.Equal(t, []string{"me"}, m.ReadBy)
		require.Equal(t, chat.StatusRead, m.Status)
	}
}

func TestQueryFollowsPagination(t *testing.T) {
	table := newFakeTable()
	table.pageSize = 2
	c := newClient(t, table, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.SendMessage(ctx, "c1", "bob", "hi", fmt.Sprintf("m%d", i)))
	}

	msgs, err := c.messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)
}

func TestSubscribeEmitsOnlyChanges(t *testing.T) {
	table := newFakeTable()
	c := newClient(t, table, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := c.Subscribe(ctx, "c1")
	require.NoError(t, err)

	first := <-feed
	require.Empty(t, first)

	require.NoError(t, c.SendMessage(context.Background(), "c1", "bob", "hi", "m1"))
	select {
	case snap := <-feed:
		require.Len(t, snap, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after write")
	}

	// Several polls with no change must not emit.
	table.mu.Lock()
	before := table.queries
	table.mu.Unlock()
	require.Eventually(t, func() bool {
		table.mu.Lock()
		defer table.mu.Unlock()
		return table.queries > before+3
	}, 2*time.Second, time.Millisecond)
	select {
	case snap := <-feed:
		t.Fatalf("unexpected snapshot %+v", snap)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-feed
		return !ok
	}, 2*time.Second, time.Millisecond)
}

func TestSubscribeRejectedFailsFast(t *testing.T) {
	table := newFakeTable()
	table.err = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
	c := newClient(t, table, Options{})

	_, err := c.Subscribe(context.Background(), "c1")
	require.True(t, remote.IsCode(err, remote.CodePermissionDenied))
}

func TestTypingAndPresenceFeeds(t *testing.T) {
	table := newFakeTable()
	c := newClient(t, table, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.SetTyping(ctx, "c1", "bob", true))
	require.NoError(t, c.SetTyping(ctx, "c1", "carol", false))
	typing, err := c.SubscribeTyping(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, <-typing)

	require.NoError(t, c.SetPresence(ctx, "bob", true))
	presence, err := c.SubscribePresence(ctx, "bob")
	require.NoError(t, err)
	p := <-presence
	require.True(t, p.Online)
	require.Equal(t, "bob", p.UserID)
}

func TestErrorMappingDrivesObserver(t *testing.T) {
	table := newFakeTable()
	obs := connectivity.NewObserver(true, nil)
	c := newClient(t, table, Options{Observer: obs})
	ctx := context.Background()

	table.err = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	err := c.SendMessage(ctx, "c1", "me", "hi", "m1")
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.False(t, obs.Online())

	table.err = nil
	require.NoError(t, c.SendMessage(ctx, "c1", "me", "hi", "m1"))
	require.True(t, obs.Online())
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		code remote.Code
	}{
		{&smithy.GenericAPIError{Code: "AccessDeniedException"}, remote.CodePermissionDenied},
		{&smithy.GenericAPIError{Code: "ValidationException"}, remote.CodeInvalidArgument},
		{&smithy.GenericAPIError{Code: "ExpiredTokenException"}, remote.CodeUnauthenticated},
		{&smithy.GenericAPIError{Code: "ThrottlingException"}, remote.CodeUnavailable},
		{&types.ResourceNotFoundException{Message: aws.String("no table")}, remote.CodeNotFound},
		{errors.New("weird"), remote.CodeInternal},
	}
	for _, tc := range cases {
		require.True(t, remote.IsCode(mapError("op", tc.err), tc.code), "%v", tc.err)
	}
	require.NoError(t, mapError("op", nil))
	require.ErrorIs(t, mapError("op", context.Canceled), context.Canceled)
}
