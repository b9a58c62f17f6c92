package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus()

	received1 := []*Message{}
	received2 := []*Message{}
	unsub1 := bus.Subscribe(func(message *Message) {
		received1 = append(received1, message)
	})
	unsub2 := bus.Subscribe(func(message *Message) {
		received2 = append(received2, message)
	})

	key := NewResourceKey("novel", "42")
	err := bus.Publish(RequireMessage(MessageTypePresence, "alice", key, &PresenceData{}))
	assert.Equal(t, err, nil)

	assert.Equal(t, len(received1), 1)
	assert.Equal(t, len(received2), 1)
	assert.Equal(t, received1[0].SenderId, "alice")
	assert.Equal(t, received1[0].Key(), key)

	unsub1()
	err = bus.Publish(RequireMessage(MessageTypePresence, "bob", key, &PresenceData{}))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(received1), 1)
	assert.Equal(t, len(received2), 2)

	unsub2()
	bus.Close()
	err = bus.Publish(RequireMessage(MessageTypePresence, "bob", key, &PresenceData{}))
	assert.Equal(t, err, ErrBusClosed)
}

func TestMemoryBusPanickingHandler(t *testing.T) {
	// a misbehaving consumer must not break delivery to the others

	bus := NewMemoryBus()
	defer bus.Close()

	bus.Subscribe(func(message *Message) {
		panic("consumer bug")
	})
	received := 0
	bus.Subscribe(func(message *Message) {
		received += 1
	})

	key := NewResourceKey("novel", "42")
	err := bus.Publish(RequireMessage(MessageTypePresence, "alice", key, &PresenceData{}))
	assert.Equal(t, err, nil)
	assert.Equal(t, received, 1)
}

func TestMessageCodec(t *testing.T) {
	key := NewResourceKey("novel", "42")
	message := RequireMessage(MessageTypeCursorMove, "alice", key, &CursorData{
		Cursor: &CursorPosition{DocumentId: "d1", ParagraphIndex: 2, Offset: 7},
	})

	messageBytes, err := EncodeMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, MessageTypeCursorMove)
	assert.Equal(t, decoded.SenderId, "alice")
	assert.Equal(t, decoded.Key(), key)

	data := &CursorData{}
	err = decoded.DecodeData(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, data.Cursor.ParagraphIndex, 2)
	assert.Equal(t, data.Cursor.Offset, 7)

	_, err = DecodeMessage([]byte(`{}`))
	assert.NotEqual(t, err, nil)
}
