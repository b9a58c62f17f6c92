package collab

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// an addressable editable unit, e.g. a document or chapter
type ResourceKey struct {
	Type string
	Id   string
}

func NewResourceKey(resourceType string, resourceId string) ResourceKey {
	return ResourceKey{
		Type: resourceType,
		Id:   resourceId,
	}
}

func (self ResourceKey) IsZero() bool {
	return self == ResourceKey{}
}

func (self ResourceKey) String() string {
	return fmt.Sprintf("%s/%s", self.Type, self.Id)
}

// who the local session claims to be
// sessions trust each other's identities. The relay can verify a session token,
// see `VerifySessionToken`
type Identity struct {
	UserId      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// ephemeral record of one known participant, rebuilt from join/presence messages
type Collaborator struct {
	UserId       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	AvatarRef    string          `json:"avatarRef,omitempty"`
	Color        string          `json:"color"`
	Online       bool            `json:"online"`
	LastActiveAt time.Time       `json:"lastActiveAt"`
	Resource     ResourceKey     `json:"resource,omitempty"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	Selection    *SelectionRange `json:"selection,omitempty"`
}

func NewCollaborator(identity *Identity) *Collaborator {
	return &Collaborator{
		UserId:      identity.UserId,
		DisplayName: identity.DisplayName,
		AvatarRef:   identity.AvatarRef,
		Color:       AssignColor(identity.UserId),
		Online:      true,
	}
}

func (self *Collaborator) Copy() *Collaborator {
	c := *self
	return &c
}

// a logical address into a document's content model, not a pixel location
type CursorPosition struct {
	DocumentId     string `json:"documentId"`
	ParagraphIndex int    `json:"paragraphIndex"`
	Offset         int    `json:"offset"`
}

func (self CursorPosition) Before(b CursorPosition) bool {
	if self.ParagraphIndex != b.ParagraphIndex {
		return self.ParagraphIndex < b.ParagraphIndex
	}
	return self.Offset < b.Offset
}

// start must be ordered before end by (paragraphIndex, offset).
// callers are responsible for normalizing reversed selections,
// the engine never reorders
type SelectionRange struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
}

func (self SelectionRange) Normalized() SelectionRange {
	if self.End.Before(self.Start) {
		return SelectionRange{
			Start: self.End,
			End:   self.Start,
		}
	}
	return self
}

// the palette is fixed so that two sessions never disagree about a user's color
// without coordination
var collaboratorColors = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#bcf60c",
	"#fabebe",
	"#008080",
	"#9a6324",
}

// pure function of the user id. Stable across process restarts
func AssignColor(userId string) string {
	h := fnv.New32a()
	h.Write([]byte(userId))
	return collaboratorColors[int(h.Sum32())%len(collaboratorColors)]
}
