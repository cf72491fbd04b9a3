// Package divergencegrpc reads the game's quest feed and submits player input
// over gRPC using structpb messages.
package divergencegrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/chatveil/internal/platform/requestctx"
	"github.com/louisbranch/chatveil/internal/platform/timeouts"
	"github.com/louisbranch/chatveil/internal/services/chat/divergence"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names served by the game.
const (
	ServiceName       = "chatveil.game.v1.QuestFeed"
	SubscribeMethod   = "/" + ServiceName + "/Subscribe"
	SubmitInputMethod = "/" + ServiceName + "/SubmitInput"
)

// Metadata keys attached to SubmitInput calls.
const (
	UserIDHeader    = "x-chatveil-user-id"
	SessionIDHeader = "x-chatveil-session-id"
)

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Client implements divergence.Subscriber and divergence.InputSink.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Subscribe opens the quest feed stream.
func (c *Client) Subscribe(ctx context.Context) (divergence.Stream, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("quest feed client is not configured")
	}
	stream, err := c.conn.NewStream(ctx, &subscribeStreamDesc, SubscribeMethod)
	if err != nil {
		return nil, fmt.Errorf("open quest feed: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("send quest feed request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close quest feed request: %w", err)
	}
	return &updateStream{stream: stream}, nil
}

// SubmitInput forwards a player's chat line to the game.
func (c *Client) SubmitInput(ctx context.Context, userID string, text string) error {
	if c == nil || c.conn == nil {
		return errors.New("quest feed client is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id is required")
	}
	req, err := structpb.NewStruct(map[string]any{
		"user_id": userID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("build submit input request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(withIdentity(ctx, userID), timeouts.GRPCRequest)
	defer cancel()
	if err := c.conn.Invoke(callCtx, SubmitInputMethod, req, &structpb.Struct{}); err != nil {
		return fmt.Errorf("submit input: %w", err)
	}
	return nil
}

// withIdentity forwards the submitting user and, when known, the chat session
// as outgoing metadata.
func withIdentity(ctx context.Context, userID string) context.Context {
	pairs := []string{UserIDHeader, userID}
	if sessionID := requestctx.SessionIDFromContext(ctx); sessionID != "" {
		pairs = append(pairs, SessionIDHeader, sessionID)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

type updateStream struct {
	stream grpc.ClientStream
}

func (s *updateStream) Recv() (divergence.Update, error) {
	msg := &structpb.Struct{}
	if err := s.stream.RecvMsg(msg); err != nil {
		return divergence.Update{}, err
	}
	return decodeUpdate(msg), nil
}

func decodeUpdate(msg *structpb.Struct) divergence.Update {
	fields := msg.GetFields()
	return divergence.Update{
		UserID:        strings.TrimSpace(fields["user_id"].GetStringValue()),
		AwaitingInput: fields["awaiting_input"].GetBoolValue(),
		Objective:     fields["objective"].GetStringValue(),
	}
}
