package ws

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/repositories"
)

type relayFixture struct {
	hub      *Hub
	relay    *Relay
	users    *mocks.UserDirectoryMock
	messages *mocks.MessageRepositoryMock
}

func newRelayFixture(t *testing.T) *relayFixture {
	hub := NewHub(zerolog.Nop())
	users := new(mocks.UserDirectoryMock)
	messages := new(mocks.MessageRepositoryMock)
	relay := NewRelay(hub, users, messages, RelayOptions{
		QueueSize:      16,
		PersistTimeout: time.Second,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(hub.Close)
	return &relayFixture{hub: hub, relay: relay, users: users, messages: messages}
}

// open serves a fake connection and waits until it has joined group.
func (f *relayFixture) open(t *testing.T, group, userID string) (*fakeTransport, <-chan error) {
	t.Helper()
	before := f.hub.GroupSize(group)
	tr := newFakeTransport()
	done := make(chan error, 1)
	go func() {
		done <- f.relay.Serve(context.Background(), tr, group, userID, ConnInfo{ConnectedAt: time.Now()})
	}()
	require.Eventually(t, func() bool { return f.hub.GroupSize(group) == before+1 }, time.Second, 5*time.Millisecond)
	return tr, done
}

func TestRelayScenarioPersistsAndFansOut(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()
	f.messages.On("Create", mock.Anything, "room_5_9", 5, 9, "hi", models.MessageTypeText).
		Return(models.ChatMessage{ID: 1, RoomName: "room_5_9", SenderID: 5, ReceiverID: 9, Content: "hi"}, nil).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")
	personal, _ := f.open(t, "user_9", "9")

	sender.send(`{"type":"message","content":"hi","senderId":5,"clientMsgId":"abc"}`)

	got := peer.next(t)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, "hi", got["content"])
	assert.Equal(t, float64(5), got["senderId"])
	assert.Equal(t, "alice", got["senderName"])
	assert.Equal(t, "room_5_9", got["room"])
	assert.Equal(t, "abc", got["clientMsgId"])
	assert.NotContains(t, got, "isPersonal")

	mirrored := personal.next(t)
	assert.Equal(t, true, mirrored["isPersonal"])
	assert.Equal(t, "room_5_9", mirrored["room"])
	assert.Equal(t, "alice", mirrored["senderName"])

	sender.quiet(t)
	f.users.AssertExpectations(t)
	f.messages.AssertExpectations(t)
}

func TestRelayNumericStringSenderIsNormalized(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()
	f.messages.On("Create", mock.Anything, "room_5_9", 5, 9, "yo", models.MessageTypeText).Return(models.ChatMessage{}, nil).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")

	sender.send(`{"type":"message","content":"yo","senderId":"5"}`)

	got := peer.next(t)
	assert.Equal(t, float64(5), got["senderId"])
	sender.quiet(t)
}

func TestRelayMissingContentRepliesOnlyToSenderAndStaysOpen(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()
	f.messages.On("Create", mock.Anything, "room_5_9", 5, 9, "later", models.MessageTypeText).Return(models.ChatMessage{}, nil).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")

	sender.send(`{"type":"message","senderId":5}`)
	errFrame := sender.next(t)
	assert.Equal(t, "error", errFrame["type"])
	assert.Contains(t, errFrame["message"], "content")

	sender.send(`{"type":"message","content":"later","senderId":5}`)
	got := peer.next(t)
	assert.Equal(t, "later", got["content"])

	peer.quiet(t)
	sender.quiet(t)
}

func TestRelayRejectsMalformedAndIncompleteFrames(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"json array", `[1,2]`},
		{"trailing data", `{"type":"message","content":"hi","senderId":5} {"garbage"`},
		{"numeric type", `{"type":7,"content":"x","senderId":5}`},
		{"missing type", `{"content":"x"}`},
		{"non-string content", `{"type":"message","content":7,"senderId":5}`},
		{"message without sender", `{"type":"message","content":"x"}`},
		{"message with zero sender", `{"type":"message","content":"x","senderId":0}`},
		{"non numeric sender", `{"type":"message","content":"x","senderId":"bob"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newRelayFixture(t)
			sender, _ := f.open(t, "room_5_9", "5")
			peer, _ := f.open(t, "room_5_9", "9")

			sender.send(tc.frame)

			got := sender.next(t)
			assert.Equal(t, "error", got["type"])
			assert.NotEmpty(t, got["message"])
			peer.quiet(t)
			f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRelayUnknownSenderIsNotPersistedOrBroadcast(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{}, repositories.ErrUserNotFound).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")
	personal, _ := f.open(t, "user_9", "9")

	sender.send(`{"type":"message","content":"hi","senderId":5}`)

	got := sender.next(t)
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "sender does not exist", got["message"])
	peer.quiet(t)
	personal.quiet(t)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRelayLookupFailureIsReported(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{}, assert.AnError).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	sender.send(`{"type":"message","content":"hi","senderId":5}`)

	got := sender.next(t)
	assert.Equal(t, "failed to load sender", got["message"])
}

func TestRelayPersistenceFailureStillDelivers(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()
	f.messages.On("Create", mock.Anything, "room_5_9", 5, 9, "hi", models.MessageTypeText).Return(models.ChatMessage{}, assert.AnError).Once()

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")
	personal, _ := f.open(t, "user_9", "9")

	sender.send(`{"type":"message","content":"hi","senderId":5}`)

	assert.Equal(t, "hi", peer.next(t)["content"])
	assert.Equal(t, true, personal.next(t)["isPersonal"])
	sender.quiet(t)
}

func TestRelayImageFramePersistsWithItsType(t *testing.T) {
	f := newRelayFixture(t)
	f.messages.On("Create", mock.Anything, "room_5_9", 9, 5, "https://cdn/x.png", models.MessageTypeImage).Return(models.ChatMessage{}, nil).Once()

	sender, _ := f.open(t, "room_5_9", "9")
	peer, _ := f.open(t, "room_5_9", "5")

	sender.send(`{"type":"image","content":"https://cdn/x.png","senderId":9}`)

	got := peer.next(t)
	assert.Equal(t, "image", got["type"])
	assert.NotContains(t, got, "senderName")
	sender.quiet(t)
	f.users.AssertNotCalled(t, "GetUser", mock.Anything, mock.Anything)
	f.messages.AssertExpectations(t)
}

func TestRelayFrameWithoutSenderOnlyReachesRoom(t *testing.T) {
	f := newRelayFixture(t)

	sender, _ := f.open(t, "room_5_9", "5")
	peer, _ := f.open(t, "room_5_9", "9")
	personal, _ := f.open(t, "user_9", "9")

	sender.send(`{"type":"typing","content":"1"}`)

	assert.Equal(t, "typing", peer.next(t)["type"])
	assert.Equal(t, "typing", sender.next(t)["type"])
	personal.quiet(t)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRelayUnparseableRoomSkipsPersistence(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()

	sender, _ := f.open(t, "lobby", "5")
	peer, _ := f.open(t, "lobby", "")

	sender.send(`{"type":"message","content":"hi","senderId":5}`)

	assert.Equal(t, "lobby", peer.next(t)["room"])
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRelayUnboundConnectionReceivesOwnMessages(t *testing.T) {
	f := newRelayFixture(t)
	f.users.On("GetUser", mock.Anything, 5).Return(models.User{ID: 5, Nickname: "alice"}, nil).Once()
	f.messages.On("Create", mock.Anything, "room_5_9", 5, 9, "hi", models.MessageTypeText).Return(models.ChatMessage{}, nil).Once()

	sender, _ := f.open(t, "room_5_9", "not-a-number")

	sender.send(`{"type":"message","content":"hi","senderId":5}`)

	assert.Equal(t, "hi", sender.next(t)["content"])
}

type panickingDirectory struct{}

func (panickingDirectory) GetUser(ctx context.Context, userID int) (models.User, error) {
	panic("directory exploded")
}

func (panickingDirectory) BulkUsers(ctx context.Context, ids []int) ([]models.User, error) {
	return nil, nil
}

func TestRelayRecoversFromPanics(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	relay := NewRelay(hub, panickingDirectory{}, new(mocks.MessageRepositoryMock), RelayOptions{Logger: zerolog.Nop()})
	f := &relayFixture{hub: hub, relay: relay}

	sender, done := f.open(t, "room_5_9", "5")
	sender.send(`{"type":"message","content":"hi","senderId":5}`)
	assert.Equal(t, "internal server error", sender.next(t)["message"])

	sender.send(`{"type":"message"}`)
	assert.Equal(t, "error", sender.next(t)["type"])

	select {
	case <-done:
		t.Fatal("connection closed after panic")
	default:
	}
}

func TestRelayDisconnectLeavesGroup(t *testing.T) {
	f := newRelayFixture(t)

	tr, done := f.open(t, "room_5_9", "5")
	require.Equal(t, 1, f.hub.GroupSize("room_5_9"))

	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}
	assert.Equal(t, 0, f.hub.GroupSize("room_5_9"))
}

func TestRelayConnectWithoutGroupAborts(t *testing.T) {
	f := newRelayFixture(t)
	tr := newFakeTransport()

	err := f.relay.Serve(context.Background(), tr, "", "5", ConnInfo{})

	require.ErrorIs(t, err, ErrRouting)
	assert.Empty(t, f.hub.groups)
	select {
	case <-tr.closed:
	default:
		t.Fatal("transport left open")
	}
}

func TestRelayPublishesLifecycleEvents(t *testing.T) {
	pub := new(mocks.PublisherMock)
	hub := NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)
	relay := NewRelay(hub, new(mocks.UserDirectoryMock), new(mocks.MessageRepositoryMock), RelayOptions{
		Events: observability.NewEventPublisher(pub, zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	f := &relayFixture{hub: hub, relay: relay}

	named := func(name string) interface{} {
		return mock.MatchedBy(func(ev observability.EventEnvelope) bool { return ev.EventName == name })
	}
	pub.On("Publish", mock.Anything, mock.Anything, named("ws_connect"), mock.Anything).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.Anything, named("ws_disconnect"), mock.Anything).Return(nil).Once()
	pub.On("Publish", mock.Anything, mock.Anything, named("ws_error"), mock.Anything).Return(nil).Once()

	tr, done := f.open(t, "room_5_9", "5")
	require.NoError(t, tr.Close())
	<-done

	pub.AssertExpectations(t)
}
