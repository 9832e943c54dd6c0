package main

import (
	"context"
	"flag"
	"io"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-strider/internal/config"
	"github.com/23skdu/longbow-strider/internal/device"
	"github.com/23skdu/longbow-strider/internal/element"
	"github.com/23skdu/longbow-strider/internal/interop"
	"github.com/23skdu/longbow-strider/internal/ops"
	"github.com/23skdu/longbow-strider/internal/tensor"
)

var (
	configPath  = flag.String("config", "", "Path to platform config (YAML)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration    = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :8815)")
	serverAddr  = flag.String("server", "", "Strider Flight server to send the demo tensor to")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	maxElements = flag.Int64("max-elements", 1<<24, "Maximum tensor elements reduced concurrently by the server")
	soakSize    = flag.Int("soak-size", 1<<16, "Elements per tensor in the soak test")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
		}
	}
	zerolog.SetGlobalLevel(cfg.LogLevel())
	if *listenAddr == "" && *configPath != "" {
		*listenAddr = cfg.Metrics.Listen
	}
	if *flightAddr == "" {
		*flightAddr = cfg.Flight.Listen
	}

	if *enableOTel || cfg.Tracing.Enabled {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	specs, err := cfg.DeviceSpecs(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid device configuration")
	}
	platform, err := device.NewPlatform(specs, device.WithLogger(log.Logger), device.WithQueueMode(cfg.QueueMode()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create platform")
	}
	defer platform.Close()
	q := computeQueue(platform)

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(platform, q, *maxElements)
		if *flightAddr != "" {
			fs, err := interop.StartFlightServer(*flightAddr, interop.NewFlightService(srv.exchange, srv.alloc))
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to init Flight server")
			}
			defer fs.Shutdown()
		}
		if *listenAddr != "" {
			startServer(*listenAddr, srv)
			return
		}
		select {}
	}

	if *duration > 0 {
		soak(platform, q, *duration, *soakSize)
		return
	}

	if err := demo(platform, q, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

// computeQueue returns the first queue of the first device that uses its
// accelerator, or the host queue.
func computeQueue(p *device.Platform) *device.Queue {
	for _, d := range p.Devices() {
		if q := d.Queues()[0]; q.UseGPU() {
			return q
		}
	}
	return p.HostQueue()
}

// demo reduces a small tensor and writes the result as an Arrow stream, or
// sends it to a remote server when one is configured.
func demo(p *device.Platform, q *device.Queue, w io.Writer) error {
	ctx := context.Background()
	pool := memory.NewGoAllocator()

	x, err := tensor.FromValues(p, element.Float32, []int{2, 4}, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	if err != nil {
		return err
	}
	defer x.Release()

	if *serverAddr != "" {
		log.Info().Str("server", *serverAddr).Msg("Sending tensor to Strider")
		client, err := interop.NewFlightClient(*serverAddr, pool)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		rec, err := interop.ToRecord(pool, x, q)
		if err != nil {
			return err
		}
		defer rec.Release()

		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		out, err := client.Exchange(ctx, "sum", rec)
		if err != nil {
			return err
		}
		defer out.Release()
		return writeArrowStream(w, []arrow.Record{out})
	}

	out := tensor.New(p, element.Float32, []int{2, 1}, tensor.RowMajor)
	defer out.Release()
	start := time.Now()
	if err := ops.Sum(ctx, q, x, out); err != nil {
		return err
	}
	rec, err := interop.ToRecord(pool, out, q)
	if err != nil {
		return err
	}
	defer rec.Release()
	log.Info().
		Str("queue", q.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("Reduced tensor")
	return writeArrowStream(w, []arrow.Record{rec})
}

// soak runs elementwise, reduction and pooling work on q until d elapses.
func soak(p *device.Platform, q *device.Queue, d time.Duration, size int) {
	log.Info().Str("duration", d.String()).Str("queue", q.Name()).Msg("Starting soak test")
	ctx := context.Background()

	rows := max(size/64, 1)
	shape := []int{rows, 64}
	values := make([]float32, rows*64)
	for i := range values {
		values[i] = rand.Float32()
	}

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalElements int64
	var iter int

	for time.Now().Before(endTime) {
		if err := soakIteration(ctx, p, q, shape, values); err != nil {
			log.Fatal().Err(err).Int("iter", iter).Msg("Soak iteration failed")
		}
		totalElements += int64(len(values))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_elements", totalElements).
				Float64("eps", float64(totalElements)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_elements", totalElements).
		Dur("total_time", totalElapsed).
		Float64("avg_eps", float64(totalElements)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func soakIteration(ctx context.Context, p *device.Platform, q *device.Queue, shape []int, values []float32) error {
	a, err := tensor.FromValues(p, element.Float32, shape, values)
	if err != nil {
		return err
	}
	defer a.Release()
	b := tensor.New(p, element.Float32, shape, tensor.RowMajor)
	defer b.Release()
	sum := tensor.New(p, element.Float32, []int{shape[0], 1}, tensor.RowMajor)
	defer sum.Release()
	pooled := tensor.New(p, element.Float32, ops.PoolShape(shape, device.PoolConfig{Window: []int{1, 8}}), tensor.RowMajor)
	defer pooled.Release()

	if err := ops.Multiply(ctx, q, a, a, b); err != nil {
		return err
	}
	if err := ops.Add(ctx, q, b, a, b); err != nil {
		return err
	}
	if err := ops.Sum(ctx, q, b, sum); err != nil {
		return err
	}
	if err := ops.MaxPool(ctx, q, []int{1, 8}, nil, b, pooled); err != nil {
		return err
	}
	return sum.Elements().PrepareForRead(q)
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("strider"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
