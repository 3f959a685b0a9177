package logging

import (
	"context"
	"net/url"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golift.io/rotatorr"
	"golift.io/rotatorr/timerotator"
)

const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Option func(*zap.Config)

func WithLogLevel(level string) Option {
	return func(c *zap.Config) {
		ll := zapcore.InfoLevel
		_ = ll.Set(level)
		c.Level.SetLevel(ll)
	}
}

// WithLogFormat picks the encoder. Console output gets human-readable
// timestamps and levels for local runs; JSON is the serve-mode default.
func WithLogFormat(format string) Option {
	return func(c *zap.Config) {
		switch format {
		case LogFormatConsole:
			c.Encoding = LogFormatConsole
			c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
			c.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		default:
			c.Encoding = LogFormatJSON
		}
	}
}

const rotatingScheme = "rotating"

// WithOutputPaths routes log output. Anything that isn't stdout/stderr is
// treated as a file path and wrapped in a size-rotated sink.
func WithOutputPaths(paths []string) Option {
	return func(c *zap.Config) {
		p := make([]string, 0, len(paths))
		for _, path := range paths {
			switch path {
			case "stdout", "stderr":
				p = append(p, path)
			default:
				u := &url.URL{Scheme: rotatingScheme, Path: path}
				p = append(p, u.String())
			}
		}
		c.OutputPaths = p
	}
}

type rotatingSink struct {
	*rotatorr.Logger
}

func (s *rotatingSink) Sync() error {
	return nil
}

type sinkRegistry struct {
	sync.Map
}

// A long-lived serve process can re-init logging (config reload), so sinks
// are cached per path rather than reopened.
func (r *sinkRegistry) Register(path string) (zap.Sink, error) {
	if sink, ok := r.Load(path); ok {
		return sink.(zap.Sink), nil
	}

	rr, err := rotatorr.New(&rotatorr.Config{
		FileSize: 1024 * 1024 * 50, // 50 megabytes
		Filepath: path,
		Rotatorr: &timerotator.Layout{FileCount: 14},
	})
	if err != nil {
		return nil, err
	}

	sink := &rotatingSink{Logger: rr}
	r.Store(path, sink)
	return sink, nil
}

var sinks = &sinkRegistry{}

func init() {
	err := zap.RegisterSink(rotatingScheme, func(u *url.URL) (zap.Sink, error) {
		return sinks.Register(u.Path)
	})
	if err != nil {
		panic(err)
	}
}

// Init creates a zap logger and attaches it to the provided context. All
// storesync components extract it with ctxzap.Extract; tenant and resource
// fields are added downstream by the syncer, not here.
func Init(ctx context.Context, opts ...Option) (context.Context, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.DisableStacktrace = true
	zc.InitialFields = map[string]interface{}{
		"service": "storesync",
	}

	for _, opt := range opts {
		opt(&zc)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)

	return ctxzap.ToContext(ctx, l), nil
}
