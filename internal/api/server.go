package api

import (
	"context"
	"errors"
	"strings"
	gosync "sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/identity"
	"github.com/matheus3301/convsync/internal/remote"
	engine "github.com/matheus3301/convsync/internal/sync"
)

// OutboxReader is the read side of the outbox the Outbox call reports on.
type OutboxReader interface {
	DrainAll() ([]chat.OutboxEntry, error)
	Len() (int, error)
	MaxRetries() int
}

// Options describe the daemon in Status responses.
type Options struct {
	Profile string
	Backend string
}

// Service implements ConversationServer over a Registry of conversation views.
type Service struct {
	registry *engine.Registry
	outbox   OutboxReader
	signal   connectivity.Signal
	identity identity.Provider
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	watched gosync.Map // *engine.Core -> struct{}
}

var _ ConversationServer = (*Service)(nil)

// NewService creates the service. logger may be nil.
func NewService(r *engine.Registry, q OutboxReader, signal connectivity.Signal, id identity.Provider, b *bus.Bus, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry: r,
		outbox:   q,
		signal:   signal,
		identity: id,
		bus:      b,
		logger:   logger,
		opts:     opts,
	}
}

func (s *Service) view(key string) (*engine.Core, string, error) {
	if key == "" {
		return nil, "", grpcstatus.Error(codes.InvalidArgument, "key is required")
	}
	c, ok := s.registry.Get(key)
	if !ok {
		return nil, "", grpcstatus.Errorf(codes.NotFound, "no open view %q", key)
	}
	return c, key, nil
}

func (s *Service) Open(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref := engine.Ref{
		ConversationID: strings.TrimSpace(getString(req, "conversation_id")),
		Participants:   getStrings(req, "participants"),
		DisplayName:    getString(req, "display_name"),
	}
	c, key, err := s.registry.Open(ref)
	if err != nil {
		return nil, toStatus(err)
	}
	if _, loaded := s.watched.LoadOrStore(c, struct{}{}); !loaded {
		go s.logFailures(key, c)
	}
	s.logger.Info("view opened", zap.String("key", key), zap.Bool("draft", ref.Draft()))
	return encodeView(View{Key: key, ConversationID: c.ConversationID(), Draft: c.Draft()}), nil
}

// logFailures drains the asynchronous failures of c until it stops. Watchers
// receive the same failures from the bus.
func (s *Service) logFailures(key string, c *engine.Core) {
	defer s.watched.Delete(c)
	for f := range c.Failures() {
		s.logger.Warn("queued message failed",
			zap.String("key", key),
			zap.String("message_id", f.MessageID),
			zap.Error(f.Err),
		)
	}
}

func (s *Service) Close(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key := getString(req, "key")
	if key == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "key is required")
	}
	closed := s.registry.Close(key)
	return object(map[string]*structpb.Value{"closed": flag(closed)}), nil
}

func (s *Service) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, _, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, getString(req, "text")); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(c), nil
}

func (s *Service) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, _, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	if err := c.Retry(ctx, getString(req, "message_id")); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(c), nil
}

func (s *Service) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, _, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	if err := c.Delete(ctx, getString(req, "message_id")); err != nil {
		return nil, toStatus(err)
	}
	return s.ack(c), nil
}

func (s *Service) MarkVisible(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, _, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	queued := c.MarkVisible(getString(req, "message_id"))
	return object(map[string]*structpb.Value{"queued": flag(queued)}), nil
}

func (s *Service) SetInput(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, _, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	c.SetInput(getString(req, "text"))
	return s.ack(c), nil
}

func (s *Service) Timeline(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, key, err := s.view(getString(req, "key"))
	if err != nil {
		return nil, err
	}
	return encodeSnapshot(key, c.Snapshot()), nil
}

func (s *Service) Outbox(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entries, err := s.outbox.DrainAll()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list outbox: %v", err)
	}
	items := make([]*structpb.Struct, len(entries))
	for i, e := range entries {
		items[i] = encodeOutboxEntry(e)
	}
	return object(map[string]*structpb.Value{
		"max_retries": num(float64(s.outbox.MaxRetries())),
		"entries":     list(items),
	}), nil
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.outbox.Len()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "count outbox: %v", err)
	}
	userID, _ := s.identity.CurrentUserID()

	var views []*structpb.Struct
	for _, key := range s.registry.Keys() {
		c, ok := s.registry.Get(key)
		if !ok {
			continue
		}
		views = append(views, encodeView(View{Key: key, ConversationID: c.ConversationID(), Draft: c.Draft()}))
	}
	return object(map[string]*structpb.Value{
		"profile":    str(s.opts.Profile),
		"backend":    str(s.opts.Backend),
		"user_id":    str(userID),
		"online":     flag(s.signal.Online()),
		"outbox_len": num(float64(n)),
		"views":      list(views),
	}), nil
}

// WatchTimeline streams the view's snapshot immediately and again after every
// change, plus a failure item for each queued message that ran out of
// retries. Slow watchers skip intermediate snapshots. The stream ends when the
// view is closed.
func (s *Service) WatchTimeline(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	c, key, err := s.view(getString(req, "key"))
	if err != nil {
		return err
	}
	timelines, unsubTimelines := s.bus.Subscribe("timeline.", 64)
	defer unsubTimelines()
	exhausted, unsubExhausted := s.bus.Subscribe(bus.KindOutboxExhausted, 16)
	defer unsubExhausted()

	var sent uint64
	push := func() error {
		snap := c.Snapshot()
		if snap.Revision == sent {
			return nil
		}
		sent = snap.Revision
		return stream.Send(encodeSnapshot(key, snap))
	}
	if err := push(); err != nil {
		return err
	}

	for {
		select {
		case evt := <-timelines:
			if evt.ConversationID != c.ConversationID() {
				continue
			}
			if err := push(); err != nil {
				return err
			}
		case evt := <-exhausted:
			res, ok := evt.Payload.(bus.OutboxResult)
			if !ok || (res.ConversationID != key && res.ConversationID != c.ConversationID()) {
				continue
			}
			f := Failure{MessageID: res.MessageID, ConversationID: res.ConversationID}
			if res.Err != nil {
				f.Error = res.Err.Error()
			}
			if err := stream.Send(encodeFailure(f)); err != nil {
				return err
			}
		case <-c.Done():
			return nil
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) ack(c *engine.Core) *structpb.Struct {
	return object(map[string]*structpb.Value{
		"conversation_id": str(c.ConversationID()),
		"revision":        num(float64(c.Snapshot().Revision)),
	})
}

// toStatus maps engine errors to gRPC status codes. A rejected send carries
// the failed message id and its error class as a detail.
func toStatus(err error) error {
	var sendErr *engine.SendError
	switch {
	case errors.As(err, &sendErr):
		st := grpcstatus.New(codes.Aborted, err.Error())
		detail := object(map[string]*structpb.Value{
			"message_id": str(sendErr.MessageID),
			"class":      str(engine.Classify(sendErr.Err).String()),
		})
		if withDetail, derr := st.WithDetails(detail); derr == nil {
			st = withDetail
		}
		return st.Err()
	case errors.Is(err, engine.ErrUnauthenticated), remote.IsCode(err, remote.CodeUnauthenticated):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, engine.ErrNotFound), remote.IsCode(err, remote.CodeNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, engine.ErrNotRetryable), errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrNotStarted):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case remote.IsCode(err, remote.CodeInvalidArgument):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case remote.IsCode(err, remote.CodePermissionDenied):
		return grpcstatus.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Errorf(codes.Internal, "%v", err)
	}
}
