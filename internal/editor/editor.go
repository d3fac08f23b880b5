// Package editor implements the placeholder editing broadcast: one shared
// buffer, re-sent in full to every viewer on each edit. There is no per-user
// resolution and no conflict handling.
package editor

import (
	"errors"
	"strings"
	"sync"

	"github.com/Tyrowin/collabchat/internal/common"
	"github.com/Tyrowin/collabchat/internal/metrics"
	"github.com/apex/log"
)

// ErrBufferFull the append would grow the shared buffer past its limit
var ErrBufferFull = errors.New("edit buffer full")

// Viewer a connection watching the shared buffer
type Viewer interface {
	Peer() string
	Send(payload []byte) error
}

// Session the shared buffer and its unkeyed set of viewers
type Session struct {
	common.Component
	maxSize int
	lock    sync.Mutex
	buffer  strings.Builder
	viewers map[Viewer]struct{}
}

// NewSession define a new, empty edit Session
func NewSession(maxSize int) *Session {
	return &Session{
		Component: common.NewComponent("editor", "session"),
		maxSize:   maxSize,
		viewers:   make(map[Viewer]struct{}),
	}
}

// Add start sending buffer updates to a viewer
func (s *Session) Add(v Viewer) {
	s.lock.Lock()
	s.viewers[v] = struct{}{}
	count := len(s.viewers)
	s.lock.Unlock()

	metrics.EditorViewers.Set(float64(count))
	log.WithFields(s.LogTags).Debugf("Viewer %s added. Total viewers: %d", v.Peer(), count)
}

// Remove stop sending to a viewer. Removing an unknown viewer is a no-op.
func (s *Session) Remove(v Viewer) {
	s.lock.Lock()
	_, ok := s.viewers[v]
	delete(s.viewers, v)
	count := len(s.viewers)
	s.lock.Unlock()

	if ok {
		metrics.EditorViewers.Set(float64(count))
		log.WithFields(s.LogTags).Debugf("Viewer %s removed. Total viewers: %d", v.Peer(), count)
	}
}

// Len number of viewers
func (s *Session) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.viewers)
}

// Append concatenate content onto the shared buffer and send the whole buffer
// to every viewer. Viewers that fail to accept it are dropped.
//
// Returns the number of viewers that received the update.
func (s *Session) Append(content string) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.buffer.Len()+len(content) > s.maxSize {
		return 0, ErrBufferFull
	}
	s.buffer.WriteString(content)
	metrics.EditorBufferBytes.Set(float64(s.buffer.Len()))

	payload := []byte(s.buffer.String())
	reached := 0
	for v := range s.viewers {
		if err := v.Send(payload); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Viewer %s removed after failed send", v.Peer(),
			)
			delete(s.viewers, v)
			continue
		}
		reached++
	}
	metrics.EditorViewers.Set(float64(len(s.viewers)))
	return reached, nil
}

// Contents the current shared buffer
func (s *Session) Contents() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.buffer.String()
}
