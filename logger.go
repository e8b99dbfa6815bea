package livecache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a tiny leveled logger. Adapters for zap, logrus, slog and glog
// live under log/. If Logger is nil in Options, logging is disabled.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// keyFields returns the fields every entry-scoped log line carries.
func keyFields(key string, extra Fields) Fields {
	f := make(Fields, len(extra)+1)
	f["key"] = key
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// withErr adds err under "err" when it is non-nil.
func (f Fields) withErr(err error) Fields {
	if err != nil {
		f["err"] = err
	}
	return f
}
