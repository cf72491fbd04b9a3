package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/chatveil/internal/platform/config"
	platformgrpc "github.com/louisbranch/chatveil/internal/platform/grpc"
	"github.com/louisbranch/chatveil/internal/platform/timeouts"
	"github.com/louisbranch/chatveil/internal/services/chat/divergence"
	"github.com/louisbranch/chatveil/internal/services/chat/divergence/divergencegrpc"
	"github.com/louisbranch/chatveil/internal/services/chat/objective"
	"github.com/louisbranch/chatveil/internal/services/chat/protocol"
	"golang.org/x/sync/errgroup"
	gogrpc "google.golang.org/grpc"
)

const (
	tokenCookieName = "fs_token"

	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes     = 2000
	maxClientMessageIDRunes = 128
	maxCommandNameRunes     = 32

	defaultMaxRoomMessages = 1000
	maxIdempotencyRecord   = 4000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr            string
	GameAddr            string
	AuthBaseURL         string
	OAuthResourceSecret string
	Grant               GrantConfig
	AdminSecret         string
	Settings            config.Settings
	GRPCDialTimeout     time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
}

// Server hosts the chat HTTP/WebSocket process and, when a game address is
// configured, the quest feed worker that keeps divergence current.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	gameConn        *gogrpc.ClientConn
	feedWorker      *divergence.Worker
}

type joinPayload struct {
	RoomID         string `json:"room_id"`
	LastSequenceID int64  `json:"last_sequence_id,omitempty"`
}

type joinedPayload struct {
	RoomID           string `json:"room_id"`
	SessionID        string `json:"session_id"`
	LatestSequenceID int64  `json:"latest_sequence_id"`
	ServerTime       string `json:"server_time"`
}

type sendPayload struct {
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
}

type commandPayload struct {
	Name      string `json:"name"`
	Args      string `json:"args"`
	Signature string `json:"signature,omitempty"`
}

type sessionUpdatePayload struct {
	Locale string `json:"locale"`
}

type clientAckPayload struct {
	SequenceID int64 `json:"sequence_id"`
}

type historyBeforePayload struct {
	BeforeSequenceID int64 `json:"before_sequence_id"`
	Limit            int   `json:"limit"`
}

type messageEnvelope struct {
	Message chatMessage `json:"message"`
}

type chatMessage struct {
	MessageID       string             `json:"message_id"`
	RoomID          string             `json:"room_id"`
	SequenceID      int64              `json:"sequence_id"`
	SentAt          string             `json:"sent_at"`
	Kind            string             `json:"kind"`
	Actor           messageActor       `json:"actor"`
	Body            string             `json:"body"`
	Content         protocol.Component `json:"content"`
	ClientMessageID string             `json:"client_message_id,omitempty"`
}

type messageActor struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status     string `json:"status"`
	MessageID  string `json:"message_id,omitempty"`
	SequenceID int64  `json:"sequence_id,omitempty"`
	Count      int    `json:"count,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

type transcriptPayload struct {
	SessionID string               `json:"session_id"`
	Entries   []protocol.Component `json:"entries"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context.
// The context bounds the game feed dial only.
func NewServerWithContext(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.GRPCDialTimeout <= 0 {
		cfg.GRPCDialTimeout = timeouts.GRPCDial
	}
	if cfg.Settings == (config.Settings{}) {
		cfg.Settings = config.DefaultSettings()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	authorizer, err := newAuthorizer(cfg)
	if err != nil {
		return nil, err
	}

	divergenceSet := divergence.NewSet()
	board := objective.NewBoard()

	var gameConn *gogrpc.ClientConn
	var feedWorker *divergence.Worker
	var inputSink divergence.InputSink
	if strings.TrimSpace(cfg.GameAddr) != "" {
		conn, err := dialGame(ctx, cfg)
		if err != nil {
			log.Printf("chat: game dial failed, divergence is local only err=%v", err)
		} else {
			gameConn = conn
			client := divergencegrpc.NewClient(conn)
			feedWorker = divergence.NewWorker(client, divergenceSet, board)
			inputSink = client
		}
	}

	service := newChatService(serviceDeps{
		authorizer:  authorizer,
		requireAuth: authorizer != nil,
		adminSecret: cfg.AdminSecret,
		settings:    cfg.Settings,
		divergence:  divergenceSet,
		objectives:  board,
		inputSink:   inputSink,
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           service.routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
		httpServer:      httpServer,
		gameConn:        gameConn,
		feedWorker:      feedWorker,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the quest feed worker until the
// context ends or either of them fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("chat: listening addr=%q", s.httpAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	if s.feedWorker != nil {
		group.Go(func() error {
			return s.feedWorker.Run(groupCtx)
		})
	}
	return group.Wait()
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.gameConn != nil {
		if err := s.gameConn.Close(); err != nil {
			log.Printf("chat: close game connection err=%v", err)
		}
	}
}

func dialGame(ctx context.Context, cfg Config) (*gogrpc.ClientConn, error) {
	gameAddr := strings.TrimSpace(cfg.GameAddr)
	logf := func(format string, args ...any) {
		log.Printf("chat: game %s", fmt.Sprintf(format, args...))
	}
	conn, err := platformgrpc.Dial(ctx, platformgrpc.DialConfig{
		Addr:    gameAddr,
		Timeout: cfg.GRPCDialTimeout,
		Logf:    logf,
	})
	if err != nil {
		return nil, fmt.Errorf("dial game %s: %w", gameAddr, err)
	}
	return conn, nil
}
