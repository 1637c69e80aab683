package types

import (
	"fmt"
	"strings"
	"time"
)

const roomKeyPrefix = "room"

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Credentials is the body of the sign up and sign in requests. Username is
// only read on sign up.
type Credentials struct {
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// Session is returned by a successful sign up or sign in.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// RememberedSession is what the client keeps between runs. The password is
// never stored.
type RememberedSession struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// ChatMessage is the payload of a "message" broadcast. It is created by the
// sender and never modified afterwards.
type ChatMessage struct {
	Id      string `json:"id"`
	UserId  string `json:"userId"`
	Author  string `json:"author"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"`
}

// Time returns the message timestamp as a time.Time.
func (m ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Ts)
}

// PresenceMeta is the metadata a connection tracks on a topic.
type PresenceMeta struct {
	DisplayName string `json:"displayName"`
}

// PresenceState maps a presence slot key to the metas tracked under it.
type PresenceState map[string][]PresenceMeta

type ServerInfo struct {
	Id       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

// RoomKey identifies one channel of one server. Its string form is the
// realtime topic name.
type RoomKey struct {
	ServerId  string
	ChannelId string
}

func NewRoomKey(serverId, channelId string) RoomKey {
	return RoomKey{ServerId: serverId, ChannelId: channelId}
}

func (k RoomKey) String() string {
	return fmt.Sprintf("%s:%s:%s", roomKeyPrefix, k.ServerId, k.ChannelId)
}

func (k RoomKey) IsZero() bool {
	return k == RoomKey{}
}

// ParseRoomKey parses a topic name of the form room:<server>:<channel>.
func ParseRoomKey(topic string) (RoomKey, error) {
	parts := strings.SplitN(topic, ":", 3)
	if len(parts) != 3 || parts[0] != roomKeyPrefix || parts[1] == "" || parts[2] == "" {
		return RoomKey{}, fmt.Errorf("invalid room key %q", topic)
	}

	return RoomKey{ServerId: parts[1], ChannelId: parts[2]}, nil
}

// Notification is a transient, user-facing message.
type Notification struct {
	Title       string
	Description string
}
