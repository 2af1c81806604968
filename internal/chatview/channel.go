package chatview

import (
	"context"

	"github.com/soyeahso/backoffice/internal/channel"
	"github.com/soyeahso/backoffice/internal/domain"
)

type socketChannel struct {
	s *channel.Socket
}

// SocketChannel adapts a live socket to Channel. A nil socket yields a nil
// Channel, which keeps the view REST-only.
func SocketChannel(s *channel.Socket) Channel {
	if s == nil {
		return nil
	}
	return socketChannel{s: s}
}

func (c socketChannel) Join(ctx context.Context, chatID string, self domain.Participant, h channel.Handlers) (Room, error) {
	sub, err := c.s.Join(ctx, chatID, self, h)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
