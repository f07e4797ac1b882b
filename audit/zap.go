package audit

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements AuditLogger on top of a zap.Logger. Each event is
// written as one structured entry with the message "audit".
type ZapLogger struct {
	logger          *zap.Logger
	redactionConfig *RedactionConfig
}

// ZapLoggerConfig configures the zap audit logger.
type ZapLoggerConfig struct {
	// Logger receives the events. If nil, a production logger is built.
	Logger *zap.Logger

	// RedactionConfig controls PII redaction. If nil, nothing is redacted.
	RedactionConfig *RedactionConfig
}

// NewZapLogger creates a new zap audit logger.
func NewZapLogger(cfg ZapLoggerConfig) (*ZapLogger, error) {
	logger := cfg.Logger
	if logger == nil {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}

	return &ZapLogger{
		logger:          logger.Named("audit"),
		redactionConfig: cfg.RedactionConfig,
	}, nil
}

// Log records an audit event. Failures are logged at warn level, the rest at
// info.
func (z *ZapLogger) Log(ctx context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}

	logEvent := z.redactionConfig.ApplyRedaction(event)

	fields := []zap.Field{
		zap.Time("timestamp", logEvent.Timestamp),
		zap.String("event_type", string(logEvent.EventType)),
		zap.String("event_result", string(logEvent.EventResult)),
	}
	if logEvent.Actor != nil {
		fields = append(fields, zap.Object("actor", actorMarshaler{logEvent.Actor}))
	}
	if logEvent.Resource != nil {
		fields = append(fields, zap.Object("resource", resourceMarshaler{logEvent.Resource}))
	}
	if logEvent.Source != nil {
		fields = append(fields, zap.Object("source", sourceMarshaler{logEvent.Source}))
	}
	if logEvent.Error != "" {
		fields = append(fields, zap.String("error", logEvent.Error))
	}
	if len(logEvent.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", logEvent.Metadata))
	}
	if logEvent.SessionID != "" {
		fields = append(fields, zap.String("session_id", logEvent.SessionID))
	}
	if logEvent.TraceID != "" {
		fields = append(fields, zap.String("trace_id", logEvent.TraceID))
	}

	if logEvent.EventResult == EventResultSuccess {
		z.logger.Info("audit", fields...)
	} else {
		z.logger.Warn("audit", fields...)
	}
	return nil
}

// SetRedactionConfig updates the redaction configuration.
func (z *ZapLogger) SetRedactionConfig(config *RedactionConfig) {
	z.redactionConfig = config
}

// ProductionRedaction is the redaction recommended for production logs.
func ProductionRedaction() *RedactionConfig {
	return &RedactionConfig{
		RedactUsername:  true,
		RedactIPAddress: true,
		RedactSessionID: true,
	}
}

type actorMarshaler struct{ *Actor }

func (a actorMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	addNonEmpty(enc, "user_id", a.UserID)
	addNonEmpty(enc, "username", a.Username)
	addNonEmpty(enc, "provider", a.Provider)
	addNonEmpty(enc, "instance", a.Instance)
	return nil
}

type resourceMarshaler struct{ *Resource }

func (r resourceMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", r.Type)
	addNonEmpty(enc, "id", r.ID)
	addNonEmpty(enc, "name", r.Name)
	if len(r.Attributes) > 0 {
		return enc.AddReflected("attributes", r.Attributes)
	}
	return nil
}

type sourceMarshaler struct{ *Source }

func (s sourceMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	addNonEmpty(enc, "ip_address", s.IPAddress)
	addNonEmpty(enc, "user_agent", s.UserAgent)
	addNonEmpty(enc, "request_id", s.RequestID)
	return nil
}

func addNonEmpty(enc zapcore.ObjectEncoder, key, value string) {
	if value != "" {
		enc.AddString(key, value)
	}
}
