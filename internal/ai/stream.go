package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
// chunks is closed when the stream ends; errs carries at most one error and
// is closed before chunks.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

// Stream opens a completion stream on p. Providers without streaming are
// adapted by delivering the whole reply as a single increment.
func Stream(ctx context.Context, p Provider, messages []Message) (<-chan string, <-chan error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StreamChat(ctx, messages)
	}

	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		reply, err := p.Chat(ctx, messages)
		if err != nil {
			errs <- err
			return
		}
		if reply != "" {
			chunks <- reply
		}
	}()
	return chunks, errs
}

// send delivers one increment unless the consumer went away.
func send(ctx context.Context, ch chan<- string, s string) bool {
	select {
	case ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
