package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvcrn/dify-proxy/internal/codec"
	"github.com/dvcrn/dify-proxy/internal/dify"
	"github.com/dvcrn/dify-proxy/internal/metrics"
)

var errStreamTruncated = errors.New("upstream stream ended before message_end")

type upstreamChunk struct {
	data []byte
	err  error
}

// streamState is owned by one streaming request.
type streamState struct {
	model     string
	created   int64
	messageID string
	fallback  string
	pacer     *Pacer
	out       io.Writer
	inject    func(conversationID string, history []dify.HistoryMessage) bool
	logger    zerolog.Logger
	lastWrite time.Time
	now       func() time.Time
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, model, apiKey string, req dify.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, errTypeInternal, nil, "Streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Content-Encoding", "none")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamingConnections.Inc()
	defer metrics.StreamingConnections.Dec()

	st := &streamState{
		model:     model,
		created:   s.now().Unix(),
		pacer:     s.newPacer(),
		out:       sseFlushWriter{w: w, f: flusher},
		inject:    s.shouldInjectToken,
		logger:    s.logger.With().Str("model", model).Logger(),
		lastWrite: s.now(),
		now:       s.now,
	}

	chunks := make(chan upstreamChunk)
	go s.readUpstream(ctx, model, apiKey, req, chunks)

	parser := dify.NewParser(st.logger)
	parser.OnMalformed = func(error) { metrics.MalformedEventsTotal.Inc() }

	var keepAlive <-chan time.Time
	if s.opts.KeepAliveInterval > 0 {
		ticker := time.NewTicker(s.opts.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			st.logger.Info().Msg("Client disconnected, aborting stream")
			return

		case <-keepAlive:
			if st.now().Sub(st.lastWrite) < s.opts.KeepAliveInterval {
				continue
			}
			if err := st.write([]byte(": keep-alive\n\n")); err != nil {
				return
			}

		case c, ok := <-chunks:
			if !ok {
				for _, ev := range parser.Flush() {
					if done, err := st.handle(ctx, ev); done || err != nil {
						return
					}
				}
				st.fail(ctx, errStreamTruncated)
				return
			}
			if c.err != nil {
				st.fail(ctx, c.err)
				return
			}
			for _, ev := range parser.Feed(c.data) {
				done, err := st.handle(ctx, ev)
				if err != nil {
					st.logger.Info().Err(err).Msg("Stopped writing stream")
					return
				}
				if done {
					return
				}
			}
		}
	}
}

// readUpstream performs the upstream call and forwards raw body chunks until
// EOF, an error, or cancellation. It closes out when done.
func (s *Server) readUpstream(ctx context.Context, model, apiKey string, req dify.ChatRequest, out chan<- upstreamChunk) {
	defer close(out)

	send := func(c upstreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	start := time.Now()
	resp, err := s.upstream.ChatMessages(ctx, apiKey, req)
	metrics.UpstreamLatency.WithLabelValues(model, string(req.ResponseMode)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(model, string(req.ResponseMode), "error").Inc()
		send(upstreamChunk{err: err})
		return
	}
	defer resp.Body.Close()
	metrics.UpstreamRequestsTotal.WithLabelValues(model, string(req.ResponseMode), "ok").Inc()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !send(upstreamChunk{data: data}) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			send(upstreamChunk{err: fmt.Errorf("failed to read upstream stream: %w", err)})
			return
		}
	}
}

// handle dispatches one event. done reports that the stream was terminated;
// err reports that the client can no longer be written to.
func (st *streamState) handle(ctx context.Context, ev dify.Event) (done bool, err error) {
	if ev.Kind.AnswerBearing() {
		if ev.Answer == "" {
			return false, nil
		}
		if st.messageID == "" {
			st.messageID = ev.MessageID
		}
		st.pacer.Push(ev.Answer, st.messageID)
		return false, st.pacer.Drain(ctx, false, st.emitChar)
	}

	switch ev.Kind {
	case dify.EventAgentThought:
		st.logger.Info().
			Str("thought_id", ev.Thought.ID).
			Str("tool", ev.Thought.Tool).
			Str("thought", ev.Thought.Thought).
			Str("tool_input", ev.Thought.ToolInput).
			Str("observation", ev.Thought.Observation).
			Msg("Agent thought")
		st.seedMessageID(ev.MessageID)
		return false, nil

	case dify.EventMessageFile:
		st.logger.Info().
			Str("file_id", ev.FileID).
			Str("type", ev.FileType).
			Str("url", ev.FileURL).
			Msg("Message file")
		st.seedMessageID(ev.MessageID)
		return false, nil

	case dify.EventMessageEnd:
		if err := st.pacer.Drain(ctx, true, st.emitChar); err != nil {
			return true, err
		}
		if st.inject(ev.ConversationID, ev.History) {
			st.logger.Debug().Str("conversation_id", ev.ConversationID).Msg("Appending conversation token to stream")
			for _, r := range codec.Encode(ev.ConversationID) {
				if err := st.emitChar(r, st.id()); err != nil {
					return true, err
				}
			}
			metrics.TokensInjectedTotal.WithLabelValues("streaming").Inc()
		}
		return true, st.finish()

	case dify.EventError:
		st.logger.Error().
			Int("status", ev.Status).
			Str("code", ev.Code).
			Str("message", ev.Message).
			Msg("Dify reported a stream error")
		if err := st.pacer.Drain(ctx, true, st.emitChar); err != nil {
			return true, err
		}
		code := interface{}(ev.Code)
		if ev.Code == "" {
			code = ev.Status
		}
		return true, st.writeError(errorBody(errTypeAPI, code, "Dify API error: "+ev.Message))

	default:
		st.logger.Debug().Str("event", ev.Name).Msg("Ignoring upstream event")
		return false, nil
	}
}

// fail drains what is already queued, then terminates the stream with an
// error record.
func (st *streamState) fail(ctx context.Context, err error) {
	if drainErr := st.pacer.Drain(ctx, true, st.emitChar); drainErr != nil {
		return
	}

	var body ErrorResponse
	var statusErr *dify.StatusError
	switch {
	case errors.As(err, &statusErr):
		body = errorBody(errTypeAPI, statusErr.StatusCode, "Dify API error: "+statusErr.Body)
	case errors.Is(err, errStreamTruncated):
		body = errorBody(errTypeAPI, "stream_truncated", err.Error())
	default:
		if ctx.Err() != nil {
			return
		}
		body = errorBody(errTypeAPI, "connection_error", "Failed to connect to Dify: "+err.Error())
	}
	st.logger.Error().Err(err).Msg("Streaming request failed")
	_ = st.writeError(body)
}

// seedMessageID lets side-channel events provide the id before any answer.
func (st *streamState) seedMessageID(id string) {
	if st.messageID == "" && id != "" {
		st.messageID = id
	}
}

// id is the message id, or a generated one when Dify never supplied it.
func (st *streamState) id() string {
	if st.messageID != "" {
		return st.messageID
	}
	if st.fallback == "" {
		st.fallback = newCompletionID()
	}
	return st.fallback
}

func (st *streamState) emitChar(r rune, messageID string) error {
	if messageID == "" {
		messageID = st.id()
	}
	return st.writeChunk(ChatCompletionChunk{
		ID:      messageID,
		Object:  "chat.completion.chunk",
		Created: st.now().Unix(),
		Model:   st.model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Content: string(r)}}},
	})
}

// finish writes the closing chunk and the terminator. It is the only place
// a successful stream is marked finished.
func (st *streamState) finish() error {
	stop := "stop"
	err := st.writeChunk(ChatCompletionChunk{
		ID:      st.id(),
		Object:  "chat.completion.chunk",
		Created: st.now().Unix(),
		Model:   st.model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: &stop}},
	})
	if err != nil {
		return err
	}
	return st.write([]byte("data: [DONE]\n\n"))
}

func (st *streamState) writeError(body ErrorResponse) error {
	if err := st.writeData(body); err != nil {
		return err
	}
	return st.write([]byte("data: [DONE]\n\n"))
}

func (st *streamState) writeChunk(chunk ChatCompletionChunk) error {
	return st.writeData(chunk)
}

func (st *streamState) writeData(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal stream record: %w", err)
	}
	line := make([]byte, 0, len(b)+8)
	line = append(line, "data: "...)
	line = append(line, b...)
	line = append(line, '\n', '\n')
	return st.write(line)
}

func (st *streamState) write(p []byte) error {
	if _, err := st.out.Write(p); err != nil {
		return err
	}
	st.lastWrite = st.now()
	return nil
}
