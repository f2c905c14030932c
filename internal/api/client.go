package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed ConversationService client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection to the daemon.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func keyed(key string, extra map[string]*structpb.Value) *structpb.Struct {
	fields := map[string]*structpb.Value{"key": str(key)}
	for k, v := range extra {
		fields[k] = v
	}
	return object(fields)
}

// Open opens a view of an existing conversation, or a draft when
// conversationID is empty.
func (c *Client) Open(ctx context.Context, conversationID string, participants []string, displayName string) (View, error) {
	out, err := c.invoke(ctx, MethodOpen, object(map[string]*structpb.Value{
		"conversation_id": str(conversationID),
		"participants":    strs(participants),
		"display_name":    str(displayName),
	}))
	if err != nil {
		return View{}, err
	}
	return decodeView(out), nil
}

// Close stops the view. It reports whether a view was open under key.
func (c *Client) Close(ctx context.Context, key string) (bool, error) {
	out, err := c.invoke(ctx, MethodClose, keyed(key, nil))
	if err != nil {
		return false, err
	}
	return getBool(out, "closed"), nil
}

// Send sends text in the view. A rejected message is reported as a
// *RejectedError.
func (c *Client) Send(ctx context.Context, key, text string) error {
	_, err := c.invoke(ctx, MethodSend, keyed(key, map[string]*structpb.Value{"text": str(text)}))
	return rejected(err)
}

// Retry resends a failed message.
func (c *Client) Retry(ctx context.Context, key, messageID string) error {
	_, err := c.invoke(ctx, MethodRetry, keyed(key, map[string]*structpb.Value{"message_id": str(messageID)}))
	return rejected(err)
}

// Delete discards a failed message.
func (c *Client) Delete(ctx context.Context, key, messageID string) error {
	_, err := c.invoke(ctx, MethodDelete, keyed(key, map[string]*structpb.Value{"message_id": str(messageID)}))
	return err
}

// MarkVisible reports a message as on screen. It returns whether a read
// receipt was queued.
func (c *Client) MarkVisible(ctx context.Context, key, messageID string) (bool, error) {
	out, err := c.invoke(ctx, MethodMarkVisible, keyed(key, map[string]*structpb.Value{"message_id": str(messageID)}))
	if err != nil {
		return false, err
	}
	return getBool(out, "queued"), nil
}

// SetInput reports the composer contents for typing indicators.
func (c *Client) SetInput(ctx context.Context, key, text string) error {
	_, err := c.invoke(ctx, MethodSetInput, keyed(key, map[string]*structpb.Value{"text": str(text)}))
	return err
}

// Timeline returns the current snapshot of the view.
func (c *Client) Timeline(ctx context.Context, key string) (*Timeline, error) {
	out, err := c.invoke(ctx, MethodTimeline, keyed(key, nil))
	if err != nil {
		return nil, err
	}
	return DecodeTimeline(out), nil
}

// Outbox lists the queued messages of the profile.
func (c *Client) Outbox(ctx context.Context) (*OutboxReport, error) {
	out, err := c.invoke(ctx, MethodOutbox, object(nil))
	if err != nil {
		return nil, err
	}
	report := &OutboxReport{MaxRetries: int(getNumber(out, "max_retries"))}
	for _, e := range getList(out, "entries") {
		report.Entries = append(report.Entries, decodeOutboxEntry(e))
	}
	return report, nil
}

// Status reports the daemon state.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	out, err := c.invoke(ctx, MethodStatus, object(nil))
	if err != nil {
		return nil, err
	}
	st := &DaemonStatus{
		Profile:   getString(out, "profile"),
		Backend:   getString(out, "backend"),
		UserID:    getString(out, "user_id"),
		Online:    getBool(out, "online"),
		OutboxLen: int(getNumber(out, "outbox_len")),
	}
	for _, v := range getList(out, "views") {
		st.Views = append(st.Views, decodeView(v))
	}
	return st, nil
}

var watchStreamDesc = &grpc.StreamDesc{
	StreamName:    MethodWatchTimeline,
	ServerStreams: true,
}

// Watch streams updates of the view to fn until ctx is done, the view is
// closed, or fn returns an error.
func (c *Client) Watch(ctx context.Context, key string, fn func(Update) error) error {
	cs, err := c.cc.NewStream(ctx, watchStreamDesc, fullMethod(MethodWatchTimeline))
	if err != nil {
		return err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(keyed(key, nil)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if grpcstatus.Code(err) == codes.Canceled && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(DecodeUpdate(item)); err != nil {
			return err
		}
	}
}

// RejectedError is a send the remote refused. The message is failed in the
// timeline and can be retried or deleted.
type RejectedError struct {
	MessageID string
	Class     string
	Message   string
}

func (e *RejectedError) Error() string { return e.Message }

func rejected(err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return err
	}
	for _, d := range st.Details() {
		if detail, ok := d.(*structpb.Struct); ok {
			return &RejectedError{
				MessageID: getString(detail, "message_id"),
				Class:     getString(detail, "class"),
				Message:   st.Message(),
			}
		}
	}
	return err
}
