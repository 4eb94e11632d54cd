package logger

import "github.com/robfig/cron/v3"

type cronLogger struct {
	l Logger
}

// Cron adapts l to the robfig/cron logger so panics recovered in jobs are logged.
func Cron(l Logger) cron.Logger {
	return &cronLogger{l: l.With("component", "cron")}
}

func (c *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
