package llm

// Stream is a drainable sequence of content chunks from a streaming
// completion. The producer closes the chunk channel when the response is
// complete or has failed; Wait then returns the final outcome.
type Stream struct {
	chunks chan string
	done   chan struct{}
	resp   *Response
	err    error
}

func newStream() *Stream {
	return &Stream{
		chunks: make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of content deltas. It is closed when the
// stream ends, after which Wait returns without blocking.
func (s *Stream) Chunks() <-chan string { return s.chunks }

// Wait blocks until the stream has ended and returns the accumulated
// response or the stream error. Unconsumed chunks are drained, so Wait
// is safe to call without ranging Chunks first.
func (s *Stream) Wait() (*Response, error) {
	for range s.chunks {
	}
	<-s.done
	return s.resp, s.err
}

func (s *Stream) emit(chunk string) {
	s.chunks <- chunk
}

func (s *Stream) complete(resp *Response) {
	s.resp = resp
	close(s.chunks)
	close(s.done)
}

func (s *Stream) fail(err error) {
	s.err = err
	close(s.chunks)
	close(s.done)
}

// StaticStream builds an already-produced stream from fixed chunks. The
// final response content is the chunk concatenation. Intended for tests
// and fakes.
func StaticStream(chunks ...string) *Stream {
	s := newStream()
	go func() {
		var content string
		for _, c := range chunks {
			content += c
			s.emit(c)
		}
		s.complete(&Response{Content: content, FinishReason: "stop"})
	}()
	return s
}

// FailedStream builds a stream that ends immediately with err. Intended
// for tests and fakes.
func FailedStream(err error) *Stream {
	s := newStream()
	go s.fail(err)
	return s
}
