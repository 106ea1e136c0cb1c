// Package subutils has wrappers for client event listeners and
// subscription handlers.
package subutils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stageconnect/messaging/pkg/messaging"
)

// LoggingListener logs every client event and then passes it to the
// wrapped listener, if any.
type LoggingListener struct {
	wrapped  messaging.Listener
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingListener(wrapped messaging.Listener, logger *zap.Logger, logLevel zapcore.Level) *LoggingListener {
	return NewNamedLoggingListener(wrapped, logger, logLevel, "LoggingListener")
}

func NewNamedLoggingListener(wrapped messaging.Listener, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingListener {
	return &LoggingListener{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

// Listen is a messaging.Listener.
func (l *LoggingListener) Listen(ev messaging.Event) {
	fields := []zap.Field{
		zap.String("listener", l.name),
		zap.String("kind", string(ev.Kind())),
	}

	switch e := ev.(type) {
	case messaging.Connected:
		fields = append(fields, zap.Int64("userId", e.UserID))
	case messaging.Disconnected:
		if e.Err != nil {
			fields = append(fields, zap.Error(e.Err))
		}
	case messaging.MessageReceived:
		fields = append(fields,
			zap.String("destination", e.Destination),
			zap.String("type", string(e.Envelope.Type)),
			zap.Int64("senderId", e.Envelope.SenderID),
			zap.String("conversationId", e.Envelope.ConversationID),
		)
	case messaging.Failed:
		fields = append(fields, zap.Error(e.Err))
	}

	l.logger.Log(l.logLevel, "Client event", fields...)

	if l.wrapped != nil {
		l.wrapped(ev)
	}
}
