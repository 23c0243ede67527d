// Command detect-engine is the isolated inference worker. It is normally
// spawned by kitchen-sync and speaks the engine protocol over stdin/stdout;
// with -zmq it binds a ZeroMQ endpoint instead. Logs go to stderr.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jack-braga/kitchen-sync/internal/engine"
	"github.com/jack-braga/kitchen-sync/internal/engine/onnx"
	"github.com/jack-braga/kitchen-sync/internal/modelhub"
	"github.com/jack-braga/kitchen-sync/internal/protocol"
)

func main() {
	codecName := flag.String("codec", "msgpack", "Wire codec: msgpack, cbor")
	cacheDir := flag.String("cache-dir", "models", "Model cache directory")
	hubURL := flag.String("hub-url", "", "Model hub base URL (default huggingface.co)")
	accelerate := flag.Bool("accelerate", false, "Allow GPU execution when available")
	zmqEndpoint := flag.String("zmq", "", "Bind a ZeroMQ endpoint instead of using stdio")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	// stdout is the protocol channel
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(*codecName, *cacheDir, *hubURL, *zmqEndpoint, *accelerate); err != nil {
		slog.Error("detect-engine failed", "error", err)
		os.Exit(1)
	}
}

func run(codecName, cacheDir, hubURL, zmqEndpoint string, accelerate bool) error {
	codec, err := protocol.CodecByName(codecName)
	if err != nil {
		return err
	}

	hub, err := modelhub.New(modelhub.Config{BaseURL: hubURL, CacheDir: cacheDir})
	if err != nil {
		return err
	}
	backend, err := onnx.New(onnx.Config{Hub: hub})
	if err != nil {
		return err
	}
	e, err := engine.New(engine.Config{
		Backend: backend,
		Prober:  onnx.AcceleratorProbe(accelerate),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var conn protocol.Conn
	if zmqEndpoint != "" {
		zc, err := protocol.ListenZMQ(zmqEndpoint, codec)
		if err != nil {
			return err
		}
		slog.Info("detect-engine listening", "endpoint", zmqEndpoint, "codec", codec.Name())
		conn = zc
	} else {
		conn = protocol.NewStreamConn(os.Stdin, os.Stdout, os.Stdin, codec)
		slog.Info("detect-engine serving stdio", "codec", codec.Name())
	}

	err = e.Serve(ctx, conn)
	st := e.Stats()
	slog.Info("detect-engine stopped",
		"loads", st.Loads,
		"load_failures", st.LoadFailures,
		"detections", st.Detections,
		"detect_failures", st.DetectFailures,
	)
	return err
}
