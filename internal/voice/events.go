package voice

import (
	"context"

	"github.com/satriahrh/aria/domain/repositories"
)

// event is anything handled by the session goroutine. Events tagged with a
// generation are dropped once the connection they belong to is gone.
type event interface{}

type connectCmd struct {
	ctx   context.Context
	reply chan error
}

type syncCmd struct {
	fn   func()
	done chan struct{}
}

type snapshotCmd struct {
	reply chan Snapshot
}

type dialedEvent struct {
	gen    uint64
	ctx    context.Context
	conn   repositories.LiveConnection
	err    error
	stt    *inputTranscriber
	sttErr error
}

// release closes what a dial produced when the session no longer wants it.
func (ev dialedEvent) release() {
	if ev.stt != nil {
		ev.stt.end()
	}
	if ev.conn != nil {
		ev.conn.Close()
	}
}

type liveEvent struct {
	gen    uint64
	events []repositories.LiveEvent
}

type transportClosedEvent struct {
	gen uint64
	err error
}

type micStartedEvent struct {
	gen uint64
	err error
}

// transcriptReadyEvent tells the session that its input transcriber has
// segments waiting.
type transcriptReadyEvent struct {
	gen uint64
}

type playbackEvent struct {
	gen uint64
	fn  func()
}
