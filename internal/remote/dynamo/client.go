// Package dynamo implements the remote backend on a single DynamoDB table.
//
// Layout:
//
//	PK=CONV#<id>  SK=META            conversation metadata
//	PK=CONV#<id>  SK=MSG#<msgId>     one message
//	PK=CONV#<id>  SK=TYPING#<user>   typing indicator
//	PK=USER#<id>  SK=PRESENCE        presence
//
// DynamoDB has no push channel, so feeds poll and emit only when the result changed.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/remote"
)

const (
	// transactChunk bounds the number of items per TransactWriteItems call.
	transactChunk = 25
	typingTTL     = 10 * time.Second
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	PollInterval time.Duration
	// Observer, when set, is driven by the outcome of every poll.
	Observer *connectivity.Observer
	Logger   *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Client is a remote.Backend on DynamoDB.
type Client struct {
	api      dynamodbAPI
	table    string
	interval time.Duration
	observer *connectivity.Observer
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

var _ remote.Backend = (*Client)(nil)

// New creates a Client for table.
func New(api dynamodbAPI, table string, opts Options) (*Client, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Client{
		api:      api,
		table:    table,
		interval: opts.PollInterval,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}, nil
}

// NewFromEnv creates a Client using the default AWS credential chain.
func NewFromEnv(ctx context.Context, region, table string, opts Options) (*Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), table, opts)
}

// SendMessage writes a message. Writing an id that already exists succeeds
// without changing it, so resends from the outbox are idempotent.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, text, messageID string) error {
	now := c.now()
	msg := chat.Message{ID: messageID, ConversationID: conversationID, SenderID: senderID, Text: text, CreatedAt: now, Status: chat.StatusSent}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if isConditionFailed(err) {
		return nil
	}
	if err != nil {
		return c.observe(mapError("send message", err))
	}

	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.table),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET lastMessageText = :text, lastMessageAt = :at"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":text": &types.AttributeValueMemberS{Value: text},
			":at":   nanos(now),
		},
	})
	if err != nil && !isConditionFailed(err) {
		// The message is stored; a stale list preview is not worth failing the send.
		c.logger.Warn("failed to update conversation preview", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return c.observe(nil)
}

// MarkRead adds readerID to the read set of every message, in transactions
// of at most 25 items.
func (c *Client) MarkRead(ctx context.Context, conversationID string, ids []string, readerID string) error {
	for chunk := range slices.Chunk(ids, transactChunk) {
		items := make([]types.TransactWriteItem, 0, len(chunk))
		for _, id := range chunk {
			items = append(items, types.TransactWriteItem{
				Update: &types.Update{
					TableName:           aws.String(c.table),
					Key:                 key(convPK(conversationID), msgSK(id)),
					UpdateExpression:    aws.String("ADD readBy :reader SET #status = :read"),
					ConditionExpression: aws.String("attribute_exists(SK)"),
					ExpressionAttributeNames: map[string]string{
						"#status": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":reader": &types.AttributeValueMemberSS{Value: []string{readerID}},
						":read":   &types.AttributeValueMemberS{Value: string(chat.StatusRead)},
					},
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return c.observe(mapError("mark read", err))
		}
	}
	return c.observe(nil)
}

// CreateConversation writes the conversation and its first message in one
// transaction and returns the new conversation id.
func (c *Client) CreateConversation(ctx context.Context, participants []string, senderID, text, messageID string) (string, error) {
	if len(participants) == 0 {
		return "", remote.Errorf(remote.CodeInvalidArgument, "create conversation: no participants")
	}
	id := c.newID()
	now := c.now()
	conv := chat.Conversation{ID: id, ParticipantIDs: participants, LastMessageText: text, LastMessageAt: now}
	msg := chat.Message{ID: messageID, ConversationID: id, SenderID: senderID, Text: text, CreatedAt: now, Status: chat.StatusSent}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.table),
					Item:                metaItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.table),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		return "", c.observe(mapError("create conversation", err))
	}
	return id, c.observe(nil)
}

// Conversation reads conversation metadata.
func (c *Client) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return chat.Conversation{}, c.observe(mapError("get conversation", err))
	}
	c.observe(nil)
	if out == nil || len(out.Item) == 0 {
		return chat.Conversation{}, remote.Errorf(remote.CodeNotFound, "conversation %s", conversationID)
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return chat.Conversation{}, remote.Errorf(remote.CodeInternal, "decode conversation: %v", err)
	}
	return conv, nil
}

// SetTyping writes the typing indicator of userID.
func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	item := key(convPK(conversationID), typingSK(userID))
	item["userId"] = &types.AttributeValueMemberS{Value: userID}
	item["typing"] = &types.AttributeValueMemberBOOL{Value: typing}
	item["expiresAt"] = nanos(c.now().Add(typingTTL))
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.table), Item: item})
	return c.observe(mapError("set typing", err))
}

// SetPresence advertises our own online state.
func (c *Client) SetPresence(ctx context.Context, userID string, online bool) error {
	item := key(userPK(userID), skPresence)
	item["userId"] = &types.AttributeValueMemberS{Value: userID}
	item["online"] = &types.AttributeValueMemberBOOL{Value: online}
	item["lastSeenAt"] = nanos(c.now())
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.table), Item: item})
	return c.observe(mapError("set presence", err))
}

// messages returns every message of a conversation in timeline order.
func (c *Client) messages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	items, err := c.query(ctx, convPK(conversationID), skPrefixMsg)
	if err != nil {
		return nil, mapError("query messages", err)
	}
	msgs := make([]chat.Message, 0, len(items))
	for _, item := range items {
		m, err := itemToMessage(item)
		if err != nil {
			c.logger.Warn("skipping malformed message item", zap.String("conversation_id", conversationID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	slices.SortStableFunc(msgs, func(a, b chat.Message) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return msgs, nil
}

func (c *Client) typingUsers(ctx context.Context, conversationID string) ([]string, error) {
	items, err := c.query(ctx, convPK(conversationID), skPrefixTyping)
	if err != nil {
		return nil, mapError("query typing", err)
	}
	now := c.now()
	var users []string
	for _, item := range items {
		if !boolAttr(item, "typing") {
			continue
		}
		if exp, err := timeAttr(item, "expiresAt"); err != nil || exp.Before(now) {
			continue
		}
		sk, err := strAttr(item, "SK")
		if err != nil {
			continue
		}
		users = append(users, typingUser(sk))
	}
	slices.Sort(users)
	return users, nil
}

func (c *Client) presence(ctx context.Context, userID string) (chat.Presence, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       key(userPK(userID), skPresence),
	})
	if err != nil {
		return chat.Presence{}, mapError("get presence", err)
	}
	p := chat.Presence{UserID: userID}
	if out == nil || len(out.Item) == 0 {
		return p, nil
	}
	p.Online = boolAttr(out.Item, "online")
	if seen, err := timeAttr(out.Item, "lastSeenAt"); err == nil {
		p.LastSeenAt = seen
	}
	return p, nil
}

// query reads every item under pk whose sort key starts with prefix,
// following pagination.
func (c *Client) query(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
		ConsistentRead: aws.Bool(true),
	}
	var items []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// observe feeds the connectivity observer from a call outcome and returns err.
func (c *Client) observe(err error) error {
	if c.observer == nil {
		return err
	}
	switch {
	case err == nil:
		c.observer.Set(true)
	case remote.Temporary(err):
		c.observer.Set(false)
	}
	return err
}
