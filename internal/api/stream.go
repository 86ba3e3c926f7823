package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/chatweb/internal/model"
)

const streamChunkSize = 4096

// Progress is one step of a streamed body.
type Progress struct {
	// Raw is everything received so far.
	Raw string
	// Delta is the chunk received by this step.
	Delta string
}

// Stream is a finite, non-restartable sequence of body chunks.
type Stream struct {
	ctx     context.Context
	resp    *http.Response
	buf     []byte
	raw     strings.Builder
	cur     Progress
	pending error
	err     error
	done    bool
}

func newStream(ctx context.Context, resp *http.Response) *Stream {
	return &Stream{ctx: ctx, resp: resp, buf: make([]byte, streamChunkSize)}
}

// Next reads the next chunk. It returns false at the end of the body, on
// error, or once the context is done.
func (s *Stream) Next() bool {
	for !s.done {
		if err := s.ctx.Err(); err != nil {
			s.finish(networkError(s.ctx, err))
			return false
		}

		if s.pending != nil {
			err := s.pending
			s.pending = nil
			s.finishRead(err)
			return false
		}

		n, err := s.resp.Body.Read(s.buf)
		if n > 0 {
			delta := string(s.buf[:n])
			s.raw.WriteString(delta)
			s.cur = Progress{Raw: s.raw.String(), Delta: delta}
			s.pending = err
			if s.ctx.Err() != nil {
				continue
			}
			return true
		}
		if err != nil {
			s.finishRead(err)
			return false
		}
	}
	return false
}

func (s *Stream) finishRead(err error) {
	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return
	}
	s.finish(networkError(s.ctx, err))
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
}

// Current returns the latest step.
func (s *Stream) Current() Progress {
	return s.cur
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the response body.
func (s *Stream) Close() error {
	s.done = true
	return s.resp.Body.Close()
}

// Final decodes the last line of the body. Call it after Next returns false
// with a nil Err.
func (s *Stream) Final() (*model.ConversationResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	line := lastLine(s.raw.String())
	if line == "" {
		return nil, malformed("empty stream body")
	}

	if st := gjson.Get(line, "status"); st.Exists() && !gjson.Get(line, "text").Exists() {
		if st.String() != model.StatusSuccess {
			return nil, &StatusError{
				Code:    s.resp.StatusCode,
				Status:  st.String(),
				Message: gjson.Get(line, "message").String(),
			}
		}
	}

	var out model.ConversationResponse
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		return nil, malformed("decode final line: %v", err)
	}
	return &out, nil
}

// ParseLatest extracts the newest complete response line from a cumulative
// streamed body. It reports false while the last line is incomplete or is not
// a response.
func ParseLatest(raw string) (*model.ConversationResponse, bool) {
	line := lastLine(raw)
	if line == "" || !gjson.Valid(line) {
		return nil, false
	}
	r := gjson.Parse(line)
	if !r.IsObject() || !r.Get("text").Exists() {
		return nil, false
	}
	return &model.ConversationResponse{
		ID:              r.Get("id").String(),
		ConversationID:  r.Get("conversationId").String(),
		ParentMessageID: r.Get("parentMessageId").String(),
		Role:            model.Role(r.Get("role").String()),
		Text:            r.Get("text").String(),
	}, true
}

func lastLine(raw string) string {
	raw = strings.TrimRight(raw, "\r\n ")
	if i := strings.LastIndexByte(raw, '\n'); i >= 0 {
		raw = raw[i+1:]
	}
	return strings.TrimSpace(raw)
}
