// Package ops implements tensor operations on device queues.
//
// Every operation follows the same protocol. The output must be contiguous.
// A queue that does not use its accelerator runs the CPU kernel directly.
// Otherwise the driver is called; if it declines with StatusNotSupported the
// CPU kernel runs on the host queue against the same tensors, and any other
// status is returned as an error wrapping device.ErrDeviceFault.
//
// Operations are asynchronous. Results are visible to later operations on
// any queue and to host code after LogicalElements.PrepareForRead.
package ops

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/simd"
)

// Numeric is the set of element values arithmetic operations accept.
type Numeric interface {
	simd.Number
}

const tracerName = "strider/ops"

const (
	pathCPU         = "cpu"
	pathAccelerated = "accelerated"
	pathFallback    = "fallback"
)

type contiguous interface {
	IsContiguous() bool
	Shape() []int
	Strides() []int
}

func requireContiguous(op string, out contiguous) {
	if !out.IsContiguous() {
		panic(fmt.Sprintf("ops: %s output must be contiguous, got shape %v strides %v", op, out.Shape(), out.Strides()))
	}
}

// call tracks one dispatched operation for tracing and metrics.
type call struct {
	op    string
	q     *device.Queue
	span  trace.Span
	start time.Time
}

func begin(ctx context.Context, q *device.Queue, op string) *call {
	_, span := otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(
		attribute.String("queue", q.Name()),
		attribute.String("op", op),
	))
	return &call{op: op, q: q, span: span, start: time.Now()}
}

// fallback records that the driver declined the operation.
func (c *call) fallback() {
	l := c.q.Logger()
	l.Warn().
		Str("op", c.op).
		Str("driver", c.q.Driver().Name()).
		Msg("Driver does not support operation, falling back to CPU")
	c.span.SetAttributes(attribute.Bool("fallback", true))
}

// end finishes the call taking path, returning err.
func (c *call) end(path string, err error) error {
	defer c.span.End()
	c.span.SetAttributes(attribute.String("path", path))
	dispatchDuration.WithLabelValues(c.op).Observe(time.Since(c.start).Seconds())
	if err != nil {
		faultsTotal.WithLabelValues(c.op).Inc()
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
		l := c.q.Logger()
		l.Error().Err(err).Str("op", c.op).Str("path", path).Msg("Operation failed")
		return err
	}
	dispatchTotal.WithLabelValues(c.op, path).Inc()
	return nil
}

func deviceFault(op string, q *device.Queue, st device.Status) error {
	return fmt.Errorf("ops: %s on %s: %w", op, q.Name(), st.Err())
}
