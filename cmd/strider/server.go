package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
	"github.com/23skdu/longbow-strider/internal/interop"
	"github.com/23skdu/longbow-strider/internal/ops"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

var (
	elementsReduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strider_elements_reduced_total",
		Help: "The total number of tensor elements reduced by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strider_request_duration_seconds",
		Help:    "Time spent processing reduce requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// errBadRequest marks failures caused by the request rather than the server.
var errBadRequest = errors.New("bad request")

// ReduceRequest is the CBOR body of /reduce. Tensor is a tensor snapshot.
// An empty Axes reduces every dimension.
type ReduceRequest struct {
	Op     string          `cbor:"op"`
	Axes   []int           `cbor:"axes,omitempty"`
	Tensor cbor.RawMessage `cbor:"tensor"`
}

type Server struct {
	platform *device.Platform
	queue    *device.Queue
	alloc    memory.Allocator
	sem      *semaphore.Weighted
	limit    int64
}

// NewServer runs reductions on q, admitting at most maxElements tensor
// elements at once.
func NewServer(p *device.Platform, q *device.Queue, maxElements int64) *Server {
	return &Server{
		platform: p,
		queue:    q,
		alloc:    memory.NewGoAllocator(),
		sem:      semaphore.NewWeighted(maxElements),
		limit:    maxElements,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/reduce", s.handleReduce)
	mux.HandleFunc("/reduce/arrow", s.handleReduceArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, s *Server) {
	log.Info().Str("addr", addr).Str("queue", s.queue.Name()).Msg("Starting Strider Server")
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("strider-server")

// job is one reduction. Exactly one of snapshot and record is set, and the
// result is returned in the same form.
type job struct {
	op       string
	axes     []int
	snapshot []byte
	record   arrow.Record
}

type result struct {
	snapshot []byte
	record   arrow.Record
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleReduce")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("reduce").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ReduceRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("op", req.Op))

	res, err := s.reduce(ctx, job{op: req.Op, axes: req.Axes, snapshot: req.Tensor})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(res.snapshot)
}

func (s *Server) handleReduceArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleReduceArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("reduce_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	op := r.URL.Query().Get("op")
	span.SetAttributes(attribute.String("op", op))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var results []arrow.Record
	defer func() {
		for _, rec := range results {
			rec.Release()
		}
	}()
	for reader.Next() {
		res, err := s.reduce(ctx, job{op: op, record: reader.Record()})
		if err != nil {
			span.RecordError(err)
			writeError(w, err)
			return
		}
		results = append(results, res.record)
	}
	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := writeArrowStream(w, results); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// exchange answers Flight DoExchange calls; cmd is the reduction name.
func (s *Server) exchange(ctx context.Context, cmd string, rec arrow.Record) (arrow.Record, error) {
	res, err := s.reduce(ctx, job{op: cmd, record: rec})
	if err != nil {
		return nil, err
	}
	return res.record, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, interop.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
	default:
		log.Error().Err(err).Msg("Reduce failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeArrowStream(w io.Writer, recs []arrow.Record) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// reduce decodes j's tensor, reduces it on the server queue and encodes the
// result.
func (s *Server) reduce(ctx context.Context, j job) (result, error) {
	kind, err := j.kind()
	if err != nil {
		return result{}, err
	}
	switch kind {
	case element.KindFloat32:
		return reduceAs(ctx, s, element.Float32, j)
	case element.KindFloat64:
		return reduceAs(ctx, s, element.Float64, j)
	case element.KindInt8:
		return reduceAs(ctx, s, element.Int8, j)
	case element.KindInt16:
		return reduceAs(ctx, s, element.Int16, j)
	case element.KindInt32:
		return reduceAs(ctx, s, element.Int32, j)
	case element.KindInt64:
		return reduceAs(ctx, s, element.Int64, j)
	case element.KindUInt8:
		return reduceAs(ctx, s, element.UInt8, j)
	case element.KindUInt16:
		return reduceAs(ctx, s, element.UInt16, j)
	case element.KindUInt32:
		return reduceAs(ctx, s, element.UInt32, j)
	case element.KindUInt64:
		return reduceAs(ctx, s, element.UInt64, j)
	case element.KindBool:
		return reduceBoolAs(ctx, s, element.Bool, j)
	case element.KindBool1:
		return reduceBoolAs(ctx, s, element.Bool1, j)
	default:
		return result{}, fmt.Errorf("reducing %s tensors: %w", kind, interop.ErrUnsupported)
	}
}

func (j job) kind() (element.Kind, error) {
	if j.record != nil {
		h, err := interop.ReadHeader(j.record)
		if err != nil {
			return element.KindInvalid, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return h.Kind, nil
	}
	var snap tensor.Snapshot
	if err := cbor.Unmarshal(j.snapshot, &snap); err != nil {
		return element.KindInvalid, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	k, err := element.ParseKind(snap.Kind)
	if err != nil {
		return element.KindInvalid, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return k, nil
}

func reduceAs[T ops.Numeric](ctx context.Context, s *Server, elem element.Element[T, T], j job) (result, error) {
	var fn func(context.Context, *device.Queue, *tensor.Tensor[T, T], *tensor.Tensor[T, T]) error
	switch j.op {
	case "sum":
		fn = ops.Sum[T]
	case "mean":
		fn = ops.Mean[T]
	case "min":
		fn = ops.Min[T]
	case "max":
		fn = ops.Max[T]
	case "prod":
		fn = ops.Prod[T]
	default:
		return result{}, fmt.Errorf("%w: unknown reduction %q for %s", errBadRequest, j.op, elem.Kind())
	}
	return run(ctx, s, elem, j, fn)
}

func reduceBoolAs[S any](ctx context.Context, s *Server, elem element.Element[S, bool], j job) (result, error) {
	var fn func(context.Context, *device.Queue, *tensor.Tensor[S, bool], *tensor.Tensor[S, bool]) error
	switch j.op {
	case "all":
		fn = ops.All[S]
	case "any":
		fn = ops.Any[S]
	default:
		return result{}, fmt.Errorf("%w: unknown reduction %q for %s", errBadRequest, j.op, elem.Kind())
	}
	return run(ctx, s, elem, j, fn)
}

func run[S, V any](ctx context.Context, s *Server, elem element.Element[S, V], j job, fn func(context.Context, *device.Queue, *tensor.Tensor[S, V], *tensor.Tensor[S, V]) error) (result, error) {
	x, err := load(s, elem, j)
	if err != nil {
		return result{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	defer x.Release()

	shape, err := reducedShape(x.Shape(), j.axes)
	if err != nil {
		return result{}, err
	}

	// Admission control
	weight := int64(x.Count())
	if weight > s.limit {
		return result{}, fmt.Errorf("%w: %d elements exceed the limit of %d", errBadRequest, weight, s.limit)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return result{}, err
	}
	defer s.sem.Release(weight)

	out := tensor.New(s.platform, elem, shape, tensor.RowMajor)
	defer out.Release()
	if err := fn(ctx, s.queue, x, out); err != nil {
		return result{}, err
	}
	elementsReduced.Add(float64(x.Count()))

	if j.record != nil {
		rec, err := interop.ToRecord(s.alloc, out, s.queue)
		return result{record: rec}, err
	}
	b, err := tensor.MarshalSnapshot(out, s.queue)
	return result{snapshot: b}, err
}

func load[S, V any](s *Server, elem element.Element[S, V], j job) (*tensor.Tensor[S, V], error) {
	if j.record != nil {
		return interop.FromRecord(s.platform, elem, j.record)
	}
	return tensor.UnmarshalSnapshot(s.platform, elem, j.snapshot)
}

// reducedShape returns shape with the listed axes set to 1, or all of them
// when axes is empty.
func reducedShape(shape, axes []int) ([]int, error) {
	out := make([]int, len(shape))
	if len(axes) == 0 {
		for i := range out {
			out[i] = 1
		}
		return out, nil
	}
	copy(out, shape)
	for _, a := range axes {
		if a < 0 || a >= len(shape) {
			return nil, fmt.Errorf("%w: axis %d out of range for rank %d", errBadRequest, a, len(shape))
		}
		out[a] = 1
	}
	return out, nil
}
