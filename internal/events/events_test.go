package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestDispatchDecodesEvent(t *testing.T) {
	is := is.New(t)
	body, err := json.Marshal(Event{Type: SessionRotated, PrincipalID: "p1", SessionID: "s1"})
	is.NoErr(err)

	var got Event
	err = Dispatch(context.Background(), body, func(_ context.Context, ev Event) error {
		got = ev
		return nil
	})
	is.NoErr(err)
	is.Equal(got.Type, SessionRotated)
	is.Equal(got.SessionID, "s1")

	is.True(Dispatch(context.Background(), []byte("{"), nil) != nil)
	is.True(Dispatch(context.Background(), []byte(`{"principal_id":"p1"}`), nil) != nil)
}

func TestAuditLine(t *testing.T) {
	is := is.New(t)
	line := AuditLine(Event{
		Type:        QuotaExhausted,
		PrincipalID: "p1",
		Surface:     "pdf_export",
		Count:       50,
		OccurredAt:  time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	})
	is.Equal(line, "[2026-05-01T08:00:00Z] quota.exhausted | principal_id=p1 | surface=pdf_export | count=50\n")
}

func TestFileSinkAppends(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	sink := NewFileSink(path)
	ctx := context.Background()
	is.NoErr(sink.Handle(ctx, Event{Type: SessionStarted, PrincipalID: "p1"}))
	is.NoErr(sink.Handle(ctx, Event{Type: SessionsRevoked, PrincipalID: "p1", Count: 2}))

	b, err := os.ReadFile(path)
	is.NoErr(err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	is.Equal(len(lines), 2)
	is.True(strings.Contains(lines[1], "sessions.revoked"))
}

func TestNopPublisher(t *testing.T) {
	is := is.New(t)
	var p Publisher = Nop{}
	is.NoErr(p.Publish(context.Background(), Event{Type: AccountDeleted}))
}

// silentBroker accepts TCP connections and never answers the AMQP handshake.
func silentBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestAMQPPublisherNeverBlocksOnSilentBroker(t *testing.T) {
	is := is.New(t)
	addr := silentBroker(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewAMQPPublisher("amqp://guest:guest@"+addr+"/", "auth.events", logger,
		WithBuffer(2), WithDialTimeout(300*time.Millisecond))

	start := time.Now()
	dropped := 0
	for i := 0; i < 6; i++ {
		err := p.Publish(context.Background(), Event{Type: SessionRotated, PrincipalID: "p1"})
		if errors.Is(err, ErrBufferFull) {
			dropped++
			continue
		}
		is.NoErr(err)
	}
	is.True(time.Since(start) < 200*time.Millisecond) // enqueue only, no dial on the caller
	is.True(dropped >= 3)                             // worker holds one, buffer holds two

	start = time.Now()
	is.NoErr(p.Close())
	is.True(time.Since(start) < 3*time.Second) // handshake bounded by the dial timeout
	is.True(errors.Is(p.Publish(context.Background(), Event{Type: SessionRotated}), ErrPublisherClosed))
}
