package dynamo

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/matheus3301/convsync/internal/chat"
)

const (
	skMeta         = "META"
	skPresence     = "PRESENCE"
	skPrefixMsg    = "MSG#"
	skPrefixTyping = "TYPING#"
)

func convPK(conversationID string) string { return "CONV#" + conversationID }

func userPK(userID string) string { return "USER#" + userID }

func msgSK(messageID string) string { return skPrefixMsg + messageID }

func typingSK(userID string) string { return skPrefixTyping + userID }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func nanos(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixNano(), 10)}
}

func messageItem(m chat.Message) map[string]types.AttributeValue {
	item := key(convPK(m.ConversationID), msgSK(m.ID))
	item["conversationId"] = &types.AttributeValueMemberS{Value: m.ConversationID}
	item["messageId"] = &types.AttributeValueMemberS{Value: m.ID}
	item["senderId"] = &types.AttributeValueMemberS{Value: m.SenderID}
	item["text"] = &types.AttributeValueMemberS{Value: m.Text}
	item["createdAt"] = nanos(m.CreatedAt)
	item["status"] = &types.AttributeValueMemberS{Value: string(m.Status)}
	if len(m.ReadBy) > 0 {
		item["readBy"] = &types.AttributeValueMemberSS{Value: slices.Clone(m.ReadBy)}
	}
	return item
}

func metaItem(c chat.Conversation) map[string]types.AttributeValue {
	item := key(convPK(c.ID), skMeta)
	item["conversationId"] = &types.AttributeValueMemberS{Value: c.ID}
	item["participants"] = &types.AttributeValueMemberSS{Value: slices.Clone(c.ParticipantIDs)}
	item["displayName"] = &types.AttributeValueMemberS{Value: c.DisplayName}
	item["lastMessageText"] = &types.AttributeValueMemberS{Value: c.LastMessageText}
	item["lastMessageAt"] = nanos(c.LastMessageAt)
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (chat.Message, error) {
	var (
		m   chat.Message
		err error
	)
	if m.ID, err = strAttr(item, "messageId"); err != nil {
		return m, err
	}
	if m.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return m, err
	}
	if m.SenderID, err = strAttr(item, "senderId"); err != nil {
		return m, err
	}
	m.Text, _ = strAttr(item, "text") // allow empty
	if m.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return m, err
	}
	st, _ := strAttr(item, "status")
	m.Status = chat.Status(st)
	if !m.Status.Valid() {
		m.Status = chat.StatusSent
	}
	m.ReadBy = setAttr(item, "readBy")
	return m, nil
}

func itemToConversation(item map[string]types.AttributeValue) (chat.Conversation, error) {
	var (
		c   chat.Conversation
		err error
	)
	if c.ID, err = strAttr(item, "conversationId"); err != nil {
		return c, err
	}
	c.ParticipantIDs = setAttr(item, "participants")
	c.DisplayName, _ = strAttr(item, "displayName")
	c.LastMessageText, _ = strAttr(item, "lastMessageText")
	if at, err := timeAttr(item, "lastMessageAt"); err == nil && at.UnixNano() > 0 {
		c.LastMessageAt = at
	}
	return c, nil
}

func strAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", name)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", name)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	v, ok := item[name]
	if !ok {
		return time.Time{}, fmt.Errorf("dynamo: missing attribute %q", name)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return time.Time{}, fmt.Errorf("dynamo: attribute %q is not a number", name)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("dynamo: parse attribute %q: %w", name, err)
	}
	return time.Unix(0, parsed).UTC(), nil
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	b, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

// setAttr returns a string set sorted, or nil when absent.
func setAttr(item map[string]types.AttributeValue, name string) []string {
	ss, ok := item[name].(*types.AttributeValueMemberSS)
	if !ok || len(ss.Value) == 0 {
		return nil
	}
	out := slices.Clone(ss.Value)
	slices.Sort(out)
	return out
}

func typingUser(sk string) string {
	return strings.TrimPrefix(sk, skPrefixTyping)
}

// sameMessages reports whether two snapshots render identically.
func sameMessages(a, b []chat.Message) bool {
	return slices.EqualFunc(a, b, func(x, y chat.Message) bool {
		return x.ID == y.ID && x.Text == y.Text && x.Status == y.Status &&
			x.SenderID == y.SenderID && x.CreatedAt.Equal(y.CreatedAt) && slices.Equal(x.ReadBy, y.ReadBy)
	})
}
