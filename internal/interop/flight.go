package interop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Handler computes the response record for a request record. cmd is the
// command of the exchange's flight descriptor.
type Handler func(ctx context.Context, cmd string, rec arrow.Record) (arrow.Record, error)

// FlightService answers DoExchange streams by passing every record it
// receives to a Handler and streaming back the results.
type FlightService struct {
	flight.BaseFlightServer
	handler Handler
	alloc   memory.Allocator
	log     zerolog.Logger
}

// NewFlightService returns a service calling h.
func NewFlightService(h Handler, alloc memory.Allocator) *FlightService {
	return &FlightService{
		handler: h,
		alloc:   alloc,
		log:     log.With().Str("component", "flight").Logger(),
	}
}

func (s *FlightService) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Cmd) == 0 {
		return errors.New("interop: exchange without a command descriptor")
	}
	cmd := string(desc.Cmd)

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		s.log.Debug().Str("cmd", cmd).Int64("rows", rec.NumRows()).Msg("DoExchange received batch")

		out, err := s.handler(stream.Context(), cmd, rec)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithAllocator(s.alloc), ipc.WithSchema(out.Schema()))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// StartFlightServer serves svc on addr until the server is shut down.
func StartFlightServer(addr string, svc *FlightService) (flight.Server, error) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(svc)
	if err := server.Init(addr); err != nil {
		return nil, fmt.Errorf("interop: flight listen on %s: %w", addr, err)
	}

	go func() {
		svc.log.Info().Str("addr", server.Addr().String()).Msg("Starting Flight server")
		if err := server.Serve(); err != nil {
			svc.log.Error().Err(err).Msg("Flight server failed")
		}
	}()
	return server, nil
}

// FlightClient sends tensor records to a FlightService.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *Breaker
}

// ClientOption configures a FlightClient.
type ClientOption func(*FlightClient)

// WithBreaker replaces the default breaker of 5 failures and a 30s cooldown.
func WithBreaker(b *Breaker) ClientOption {
	return func(c *FlightClient) { c.breaker = b }
}

// NewFlightClient creates a client connected to addr.
func NewFlightClient(addr string, alloc memory.Allocator, opts ...ClientOption) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   alloc,
		breaker: NewBreaker(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Exchange sends rec under cmd and returns the single response record. The
// caller releases it. Calls fail with ErrBreakerOpen after repeated
// failures until the breaker lets a probe through.
func (c *FlightClient) Exchange(ctx context.Context, cmd string, rec arrow.Record) (arrow.Record, error) {
	if !c.breaker.Allow() {
		return nil, ErrBreakerOpen
	}
	out, err := c.exchange(ctx, cmd, rec)
	c.breaker.Record(err)
	return out, err
}

func (c *FlightClient) exchange(ctx context.Context, cmd string, rec arrow.Record) (arrow.Record, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithAllocator(c.alloc), ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(cmd),
	})
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("interop: %s returned no records", cmd)
		}
		return nil, err
	}
	defer reader.Release()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("interop: %s returned no records", cmd)
	}
	out := reader.Record()
	out.Retain()
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
