package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/toolink/cable/codec"
	"github.com/toolink/cable/pubsub"
)

// GlobalIdentifier is implemented by entities with an application wide
// identity, such as "gid://app/Post/1".
type GlobalIdentifier interface {
	GlobalID() string
}

// ChannelName turns a channel class name into the prefix used for its
// broadcastings: "CommentsChannel" becomes "comments" and "ChatRoomChannel"
// becomes "chat_room".
func ChannelName(className string) string {
	if i := strings.LastIndexAny(className, ".:"); i >= 0 {
		className = className[i+1:]
	}
	className = strings.TrimSuffix(className, "Channel")

	var b strings.Builder
	runes := []rune(className)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// "HTTPChannel" is "http", "ChatRoom" is "chat_room"
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SerializeBroadcasting joins parts into a topic name with ":".
// GlobalIdentifier parts are base64url encoded, slices are flattened and
// everything else is formatted as text.
func SerializeBroadcasting(parts ...any) string {
	s := make([]string, 0, len(parts))
	for _, p := range parts {
		s = append(s, serializePart(p))
	}
	return strings.Join(s, ":")
}

func serializePart(p any) string {
	switch v := p.(type) {
	case GlobalIdentifier:
		return base64.RawURLEncoding.EncodeToString([]byte(v.GlobalID()))
	case string:
		return v
	case []any:
		return SerializeBroadcasting(v...)
	case []string:
		return strings.Join(v, ":")
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// BroadcastingFor returns the topic a channel named channelName uses for
// entity. Entities with the same GlobalID always map to the same topic.
func BroadcastingFor(channelName string, entity any) string {
	return SerializeBroadcasting(channelName, entity)
}

// BroadcastTo publishes message on the topic of entity for the channel class
// className, reaching every StreamFor(entity) subscriber of that class.
func BroadcastTo(ctx context.Context, ps pubsub.PubSub, className string, entity any, message any) error {
	payload, err := codec.JSON.Encode(message)
	if err != nil {
		return err
	}
	return ps.Broadcast(ctx, BroadcastingFor(ChannelName(className), entity), payload)
}
