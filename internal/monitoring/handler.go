package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"time"

	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelHandler is a slog.Handler that emits records through the global
// OpenTelemetry logger provider.
type OTelHandler struct {
	logger log.Logger
	opts   *slog.HandlerOptions
	attrs  []log.KeyValue
	group  string
}

func NewOTelHandler(opts *slog.HandlerOptions) *OTelHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}

	return &OTelHandler{
		logger: global.GetLoggerProvider().Logger("whereabouts.slog"),
		opts:   opts,
	}
}

func (h *OTelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Level != nil {
		return level >= h.opts.Level.Level()
	}
	return level >= slog.LevelInfo
}

func (h *OTelHandler) Handle(ctx context.Context, record slog.Record) error {
	logRecord := log.Record{}
	logRecord.SetTimestamp(record.Time)
	logRecord.SetBody(log.StringValue(record.Message))
	logRecord.SetSeverity(convertSlogLevel(record.Level))
	logRecord.SetSeverityText(record.Level.String())

	if span := oteltrace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		logRecord.AddAttributes(
			log.String("trace_id", spanCtx.TraceID().String()),
			log.String("span_id", spanCtx.SpanID().String()),
			log.String("trace_flags", spanCtx.TraceFlags().String()),
		)
	}

	if h.opts.AddSource {
		fs := runtime.CallersFrames([]uintptr{record.PC})
		f, _ := fs.Next()
		if f.File != "" {
			logRecord.AddAttributes(
				log.String("code.filepath", f.File),
				log.String("code.function", f.Function),
				log.Int("code.lineno", f.Line),
			)
		}
	}

	kvs := slices.Clone(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		kvs = appendAttr(kvs, h.group, attr)
		return true
	})
	logRecord.AddAttributes(kvs...)

	h.logger.Emit(ctx, logRecord)
	return nil
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	for _, attr := range attrs {
		next.attrs = appendAttr(next.attrs, h.group, attr)
	}
	return &next
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

func convertSlogLevel(level slog.Level) log.Severity {
	switch {
	case level >= slog.LevelError:
		return log.SeverityError
	case level >= slog.LevelWarn:
		return log.SeverityWarn
	case level >= slog.LevelInfo:
		return log.SeverityInfo
	default:
		return log.SeverityDebug
	}
}

// appendAttr flattens attr into kvs. Group members are keyed by their dotted
// path and empty attributes are dropped, as slog handlers do.
func appendAttr(kvs []log.KeyValue, prefix string, attr slog.Attr) []log.KeyValue {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return kvs
	}

	key := attr.Key
	if prefix != "" {
		key = prefix + "." + attr.Key
	}

	v := attr.Value
	switch v.Kind() {
	case slog.KindGroup:
		if attr.Key == "" {
			key = prefix
		}
		for _, member := range v.Group() {
			kvs = appendAttr(kvs, key, member)
		}
		return kvs
	case slog.KindString:
		return append(kvs, log.String(key, v.String()))
	case slog.KindInt64:
		return append(kvs, log.Int64(key, v.Int64()))
	case slog.KindUint64:
		return append(kvs, log.Int64(key, int64(v.Uint64())))
	case slog.KindFloat64:
		return append(kvs, log.Float64(key, v.Float64()))
	case slog.KindBool:
		return append(kvs, log.Bool(key, v.Bool()))
	case slog.KindDuration:
		return append(kvs, log.Int64(key, v.Duration().Nanoseconds()))
	case slog.KindTime:
		return append(kvs, log.String(key, v.Time().Format(time.RFC3339Nano)))
	}

	if err, ok := v.Any().(error); ok {
		return append(kvs, log.String(key, err.Error()))
	}
	return append(kvs, log.String(key, v.String()))
}
