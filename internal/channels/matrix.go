package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/basket/chatdigest/internal/digest"
)

// KVStore persists small values such as the Matrix sync token.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// MatrixConfig holds Matrix client configuration.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on start. Invites to other rooms are accepted too.
	Rooms []string
	// SyncStore keeps the sync position across restarts. Without it the
	// client starts fresh and messages older than the process are ignored.
	SyncStore KVStore
}

// matrixAPI is the part of mautrix.Client used outside the sync loop.
type matrixAPI interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// MatrixChannel implements the Channel interface for Matrix rooms.
type MatrixChannel struct {
	cfg       MatrixConfig
	self      id.UserID
	engine    Engine
	logger    *slog.Logger
	client    *mautrix.Client
	api       matrixAPI
	startedAt time.Time
}

// NewMatrixChannel creates the Matrix client. Nothing is contacted until
// Start.
func NewMatrixChannel(cfg MatrixConfig, engine Engine, logger *slog.Logger) (*MatrixChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if cfg.SyncStore != nil {
		client.Store = &kvSyncStore{kv: cfg.SyncStore}
	}
	return &MatrixChannel{
		cfg:    cfg,
		self:   id.UserID(cfg.UserID),
		engine: engine,
		logger: logger.With("channel", "matrix"),
		client: client,
		api:    client,
	}, nil
}

func (m *MatrixChannel) Name() string {
	return "matrix"
}

// Start joins the configured rooms and syncs until ctx is done, reconnecting
// with exponential backoff.
func (m *MatrixChannel) Start(ctx context.Context) error {
	m.startedAt = time.Now()
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, m.handleMessage)
	syncer.OnEventType(event.StateMember, m.handleMembership)

	for _, room := range m.cfg.Rooms {
		if err := m.joinRoom(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", room, err)
		}
	}
	m.logger.Info("matrix client started", "user", m.cfg.UserID, "rooms", len(m.cfg.Rooms))

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := m.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		m.logger.Error("matrix sync stopped, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (m *MatrixChannel) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.self {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	// A fresh sync replays recent history; only live messages count.
	if m.cfg.SyncStore == nil && !m.startedAt.IsZero() && ts.Before(m.startedAt) {
		return
	}
	text := strings.TrimSpace(content.Body)
	if text == "" {
		return
	}

	convID := ConversationID(m.Name(), evt.RoomID.String())
	if isStatusCommand(text) {
		st, found := m.engine.Status(convID)
		if err := m.Send(ctx, convID, statusText(st, found)); err != nil {
			m.logger.Warn("status reply failed", "error", err)
		}
		return
	}

	in := digest.Inbound{
		ConversationID: convID,
		Sender:         matrixSender(evt.Sender),
		Text:           text,
		Timestamp:      ts,
	}
	if err := m.engine.HandleMessage(ctx, in); err != nil {
		m.logger.Error("matrix message not handled", "conversation_id", convID, "error", err)
	}
}

// handleMembership accepts invites addressed to the bot.
func (m *MatrixChannel) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != m.self.String() {
		return
	}
	if err := m.joinRoom(ctx, evt.RoomID); err != nil {
		m.logger.Warn("could not accept room invite", "room", evt.RoomID, "error", err)
		return
	}
	m.logger.Info("joined room after invite", "room", evt.RoomID, "inviter", evt.Sender)
}

func (m *MatrixChannel) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := m.api.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			m.logger.Warn("join room: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

func matrixSender(user id.UserID) string {
	localpart, _, err := user.Parse()
	if err != nil || localpart == "" {
		return user.String()
	}
	return localpart
}

// Send posts text as a notice, the Matrix convention for bot output.
func (m *MatrixChannel) Send(ctx context.Context, conversationID, text string) error {
	channel, native, ok := SplitConversationID(conversationID)
	if !ok || channel != m.Name() {
		return fmt.Errorf("%w: %q is not a matrix conversation", ErrUnknownChannel, conversationID)
	}
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := m.api.SendMessageEvent(ctx, id.RoomID(native), event.EventMessage, &content); err != nil {
		return fmt.Errorf("send matrix message: %w", err)
	}
	return nil
}

// kvSyncStore implements mautrix.SyncStore on top of a KVStore.
type kvSyncStore struct {
	kv KVStore
}

var _ mautrix.SyncStore = (*kvSyncStore)(nil)

func syncKey(userID id.UserID, key string) string {
	return "matrix:" + userID.String() + ":" + key
}

func (s *kvSyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.kv.KVSet(ctx, syncKey(userID, "filter_id"), filterID)
}

func (s *kvSyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.kv.KVGet(ctx, syncKey(userID, "filter_id"))
}

func (s *kvSyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.kv.KVSet(ctx, syncKey(userID, "next_batch"), nextBatchToken)
}

func (s *kvSyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.kv.KVGet(ctx, syncKey(userID, "next_batch"))
}
