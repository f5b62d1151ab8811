package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// Serve runs an mcp-go server behind the server end of a transport,
// typically the server half of NewInMemoryPair. Each inbound request is
// handled on its own goroutine, so a slow tool does not block others.
// Serve returns when the transport closes or ctx is done; it does not
// close the transport.
func Serve(ctx context.Context, srv *server.MCPServer, t Transport, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	closed := make(chan struct{})

	err := t.Start(ctx, Handler{
		OnMessage: func(m *Message) {
			if ctx.Err() != nil {
				return
			}
			raw, err := json.Marshal(m)
			if err != nil {
				logger.Warn("cannot re-encode inbound message", "error", err)
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveOne(ctx, srv, t, raw, logger)
			}()
		},
		OnError: func(err error) {
			logger.Debug("in-process server transport error", "error", err)
		},
		OnClose: func() { close(closed) },
	})
	if err != nil {
		return err
	}

	select {
	case <-closed:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	return nil
}

// serveOne hands one raw envelope to the server and sends back the
// response, if any. Notifications produce none.
func serveOne(ctx context.Context, srv *server.MCPServer, t Transport, raw json.RawMessage, logger *slog.Logger) {
	reply := srv.HandleMessage(ctx, raw)
	if reply == nil {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		logger.Warn("cannot encode server reply", "error", err)
		return
	}
	msg, err := decodeMessage(data)
	if err != nil {
		logger.Warn("server produced an invalid reply", "error", err)
		return
	}
	if err := t.Send(ctx, msg); err != nil {
		logger.Debug("cannot deliver server reply", "error", err)
	}
}
