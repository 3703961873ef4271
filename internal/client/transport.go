package client

import (
	"context"
	"time"
)

// Publisher stores a message durably on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// Requester performs a request/reply round trip.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

type timeoutRequester struct {
	next    Requester
	timeout time.Duration
}

// WithTimeout bounds every request made through next. A non-positive
// timeout returns next unchanged.
func WithTimeout(next Requester, timeout time.Duration) Requester {
	if timeout <= 0 {
		return next
	}
	return &timeoutRequester{next: next, timeout: timeout}
}

func (r *timeoutRequester) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Request(ctx, subject, data)
}
