package client

import (
	"context"

	"github.com/luma/candela/transport"
)

// Session is the slice of the transport session the bridge needs. It is
// an interface so specs can drive the bridge with a scripted session.
type Session interface {
	NewStream(ctx context.Context, req transport.StreamRequest, listener transport.StreamListener) (SessionStream, error)
	HasStreamTag(tag string) bool
	Ping(payload [8]byte, reply bool) error
	Closed() bool
	Close() error
}

// SessionStream is the slice of a transport stream the bridge needs.
type SessionStream interface {
	Reset() error
}

// SessionOpener establishes a new session. The default opener dials the
// bridge over TLS; specs substitute their own.
type SessionOpener func(ctx context.Context, opts transport.Options) (Session, error)

func openTransportSession(ctx context.Context, opts transport.Options) (Session, error) {
	session, err := transport.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &transportSession{session: session}, nil
}

// transportSession adapts *transport.Session to the Session interface;
// the concrete NewStream return type differs.
type transportSession struct {
	session *transport.Session
}

func (t *transportSession) NewStream(ctx context.Context, req transport.StreamRequest, listener transport.StreamListener) (SessionStream, error) {
	return t.session.NewStream(ctx, req, listener)
}

func (t *transportSession) HasStreamTag(tag string) bool {
	return t.session.HasStreamTag(tag)
}

func (t *transportSession) Ping(payload [8]byte, reply bool) error {
	return t.session.Ping(payload, reply)
}

func (t *transportSession) Closed() bool {
	return t.session.Closed()
}

func (t *transportSession) Close() error {
	return t.session.Close()
}
