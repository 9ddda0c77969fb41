package main

import (
	"fmt"

	"github.com/toolink/cable/channel"
)

// commentsChannel streams the comments of one recording at a time.
//
//	follow   {"recording_id": 45}  streams from comments_for_45
//	unfollow {}                    stops every stream
type commentsChannel struct{}

func (commentsChannel) Subscribed(ch *channel.Channel) error {
	if id, ok := ch.Param("recording_id"); ok {
		return ch.StreamFrom(commentsTopic(id), channel.WithDefaultCoder())
	}
	return nil
}

func (commentsChannel) Unsubscribed(*channel.Channel) {}

func (commentsChannel) Perform(ch *channel.Channel, action string, data map[string]any) error {
	switch action {
	case "follow":
		id, ok := data["recording_id"]
		if !ok {
			return fmt.Errorf("follow: missing recording_id")
		}
		ch.StopAllStreams()
		return ch.StreamFrom(commentsTopic(id), channel.WithDefaultCoder())
	case "unfollow":
		ch.StopAllStreams()
		return nil
	default:
		return fmt.Errorf("%w: %s", channel.ErrActionNotSupported, action)
	}
}

func commentsTopic(recordingID any) string {
	return "comments_for_" + fmt.Sprint(recordingID)
}
