package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jack-braga/kitchen-sync/internal/engine"
	"github.com/jack-braga/kitchen-sync/internal/engine/onnx"
	"github.com/jack-braga/kitchen-sync/internal/inference"
	"github.com/jack-braga/kitchen-sync/internal/protocol"
)

// connectEngine starts or reaches the inference engine for the configured
// mode and wraps the connection in a client
func (s *Service) connectEngine(ctx context.Context) (*inference.Client, error) {
	ecfg := s.cfg.Engine
	codec, err := protocol.CodecByName(ecfg.Codec)
	if err != nil {
		return nil, err
	}

	switch ecfg.Mode {
	case "inproc":
		backend, err := onnx.New(onnx.Config{Hub: s.hub})
		if err != nil {
			return nil, err
		}
		e, err := engine.New(engine.Config{
			Backend: backend,
			Prober:  onnx.AcceleratorProbe(s.cfg.Environment.HardwareAcceleration),
		})
		if err != nil {
			return nil, err
		}
		engineCtx, stop := context.WithCancel(ctx)
		conn := engine.StartLocal(engineCtx, e)
		slog.Info("inference engine running in process")
		return inference.New(conn,
			inference.WithMetrics(s.metrics),
			inference.WithOnClose(func() error { stop(); return nil }),
		), nil

	case "zmq":
		conn, err := protocol.DialZMQ(ecfg.Endpoint, codec)
		if err != nil {
			return nil, err
		}
		slog.Info("inference engine reached over zmq", "endpoint", ecfg.Endpoint, "codec", codec.Name())
		return inference.New(remoteEngine{Conn: conn}, inference.WithMetrics(s.metrics)), nil

	case "process":
		args := []string{"-cache-dir", ecfg.CacheDir}
		if ecfg.HubURL != "" {
			args = append(args, "-hub-url", ecfg.HubURL)
		}
		if s.cfg.Environment.HardwareAcceleration {
			args = append(args, "-accelerate")
		}
		p, err := inference.StartProcess(ctx, inference.ProcessConfig{
			Path:        ecfg.Binary,
			Args:        args,
			Codec:       codec,
			StopTimeout: time.Duration(ecfg.StopTimeoutS) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return inference.New(p.Conn(),
			inference.WithMetrics(s.metrics),
			inference.WithOnClose(p.Stop),
		), nil
	}
	return nil, fmt.Errorf("unknown engine mode %q", ecfg.Mode)
}

// remoteEngine is a connection to an engine that outlives this service.
// A PAIR socket close is invisible to the peer, so the resident model is
// unloaded explicitly before disconnecting.
type remoteEngine struct {
	protocol.Conn
}

func (r remoteEngine) Close() error {
	if err := r.Conn.Send(protocol.UnloadModel()); err != nil {
		slog.Warn("inference: unload before disconnect failed", "error", err)
	}
	return r.Conn.Close()
}
