package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/toolhost/internal/builtin"
	"github.com/nugget/toolhost/internal/mcp"
	"github.com/nugget/toolhost/internal/registry"
)

// Factory builds the transport for a descriptor. Building must not do
// I/O; the manager calls Start on the result.
type Factory interface {
	Transport(d registry.Descriptor) (mcp.Transport, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(d registry.Descriptor) (mcp.Transport, error)

// Transport implements Factory.
func (f FactoryFunc) Transport(d registry.Descriptor) (mcp.Transport, error) {
	return f(d)
}

// TransportFactory is the production Factory. It maps each transport
// kind onto its internal/mcp implementation and serves built-in servers
// in process.
type TransportFactory struct {
	Logger *slog.Logger

	// SSEEndpointTimeout and SSEReconnectDelay tune the SSE transport.
	// Zero keeps the transport defaults.
	SSEEndpointTimeout time.Duration
	SSEReconnectDelay  time.Duration
}

// Transport implements Factory.
func (f *TransportFactory) Transport(d registry.Descriptor) (mcp.Transport, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", d.Name, "transport", string(d.Kind))

	switch d.Kind {
	case registry.KindStdio:
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: d.Command,
			Args:    d.Args,
			Env:     d.Env,
			Logger:  logger,
		}), nil

	case registry.KindSSE:
		return mcp.NewSSETransport(mcp.SSEConfig{
			URL:             d.Endpoint,
			Headers:         d.Headers,
			EndpointTimeout: f.SSEEndpointTimeout,
			ReconnectDelay:  f.SSEReconnectDelay,
			Logger:          logger,
		}), nil

	case registry.KindStreamableHTTP:
		return mcp.NewStreamableTransport(mcp.StreamableConfig{
			URL:     d.Endpoint,
			Headers: d.Headers,
			Logger:  logger,
		}), nil

	case registry.KindInMemory:
		srv, err := builtin.New(d.Builtin)
		if err != nil {
			return nil, err
		}
		clientEnd, serverEnd := mcp.NewInMemoryPair(logger)
		// Serve ends when the client closes its end of the pair.
		go func() {
			if err := mcp.Serve(context.Background(), srv, serverEnd, logger); err != nil {
				logger.Warn("builtin server stopped", "error", err)
			}
		}()
		return clientEnd, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", registry.ErrInvalidDescriptor, d.Kind)
	}
}
