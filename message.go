package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeLeave        MessageType = "leave"
	MessageTypeCursorMove   MessageType = "cursor_move"
	MessageTypeSelection    MessageType = "selection"
	MessageTypeOperation    MessageType = "operation"
	MessageTypePresence     MessageType = "presence"
	MessageTypeSyncRequest  MessageType = "sync_request"
	MessageTypeSyncResponse MessageType = "sync_response"
	MessageTypeLock         MessageType = "lock"
	MessageTypeUnlock       MessageType = "unlock"
)

// wire envelope, stable across all message types.
// stateless and fire-and-forget. The engine does not guarantee ordering
// or delivery beyond what the underlying bus provides
type Message struct {
	Type         MessageType     `json:"type"`
	SenderId     string          `json:"senderId"`
	ResourceType string          `json:"resourceType"`
	ResourceId   string          `json:"resourceId"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func NewMessage(messageType MessageType, senderId string, key ResourceKey, data any) (*Message, error) {
	message := &Message{
		Type:         messageType,
		SenderId:     senderId,
		ResourceType: key.Type,
		ResourceId:   key.Id,
		Timestamp:    time.Now().UnixMilli(),
	}
	if data != nil {
		dataJson, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		message.Data = dataJson
	}
	return message, nil
}

func RequireMessage(messageType MessageType, senderId string, key ResourceKey, data any) *Message {
	message, err := NewMessage(messageType, senderId, key, data)
	if err != nil {
		panic(err)
	}
	return message
}

func (self *Message) Key() ResourceKey {
	return ResourceKey{
		Type: self.ResourceType,
		Id:   self.ResourceId,
	}
}

func (self *Message) DecodeData(v any) error {
	if len(self.Data) == 0 {
		return fmt.Errorf("message %s has no data", self.Type)
	}
	return json.Unmarshal(self.Data, v)
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}

// type-specific payloads

type JoinData struct {
	Collaborator *Collaborator `json:"collaborator"`
}

type PresenceData struct {
	Collaborator *Collaborator `json:"collaborator"`
}

type CursorData struct {
	Cursor *CursorPosition `json:"cursor"`
}

// nil selection clears the sender's selection
type SelectionData struct {
	Selection *SelectionRange `json:"selection"`
}

// a batch from one originator. Batching groups consecutive operations,
// it never reorders them
type OperationData struct {
	Operations []*Operation `json:"operations"`
}

type SyncRequestData struct {
	SinceVersion int64 `json:"sinceVersion"`
}

type SyncResponseData struct {
	Operations []*Operation `json:"operations"`
}

type LockData struct {
	Lock *ResourceLock `json:"lock"`
}

type UnlockData struct {
	HolderId string `json:"holderId"`
}
