package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logging into zerolog.
type LoggerFactory struct {
	logger zerolog.Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

func NewLoggerFactory(logger *zerolog.Logger) *LoggerFactory {
	return &LoggerFactory{
		logger: logger.With().Str("component", "pion").Logger(),
	}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{
		logger: f.logger.With().Str("scope", scope).Logger(),
	}
}

type leveledLogger struct {
	logger zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}
func (l *leveledLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}
func (l *leveledLogger) Info(msg string) { l.logger.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}
func (l *leveledLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}
func (l *leveledLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}
