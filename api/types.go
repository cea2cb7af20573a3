package api

import (
	"context"

	"github.com/VibeCode-Max/bright-flow-mind/board"
	"github.com/VibeCode-Max/bright-flow-mind/celebration"
	"github.com/VibeCode-Max/bright-flow-mind/chat"
)

// Boards hands out the controller of a board.
type Boards interface {
	Get(ctx context.Context, board string) (*board.Controller, error)
}

// Chats hands out the chat session of a board.
type Chats interface {
	Get(board string) *chat.Session
}

// Celebrations lets a stream follow the celebration events of a board.
type Celebrations interface {
	Subscribe(board string) (<-chan celebration.Event, func())
}

// Authenticator is implemented by types able to extract board ids from headers.
type Authenticator interface {
	BoardFromAuthHeader(string) (string, error)
}
