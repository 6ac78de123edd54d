package alerting

import "bitbank-trader/internal/logging"

// AlertSink is the interface the risk/execution layers send user-visible
// events through. Building a real Discord/webhook implementation is out of
// scope per spec.md §1; this package only defines the seam and a log-only
// default so CRITICAL/WARNING/INFO events always go somewhere.
type AlertSink interface {
	SendCritical(message string, fields map[string]interface{})
	SendWarning(message string, fields map[string]interface{})
	SendInfo(message string, fields map[string]interface{})
}

// LogOnlyAlertSink routes alerts through a Pool onto the structured logger,
// non-blocking with respect to the caller.
type LogOnlyAlertSink struct {
	logger logging.ILogger
	pool   *Pool
}

// NewLogOnlyAlertSink builds the default AlertSink implementation.
func NewLogOnlyAlertSink(logger logging.ILogger, pool *Pool) *LogOnlyAlertSink {
	return &LogOnlyAlertSink{logger: logger.WithField("component", "alert_sink"), pool: pool}
}

func (s *LogOnlyAlertSink) send(level string, message string, fields map[string]interface{}) {
	err := s.pool.Submit(func() {
		args := make([]interface{}, 0, len(fields)*2)
		for k, v := range fields {
			args = append(args, k, v)
		}
		switch level {
		case "critical":
			s.logger.Error(message, args...)
		case "warning":
			s.logger.Warn(message, args...)
		default:
			s.logger.Info(message, args...)
		}
	})
	if err != nil {
		// Pool is saturated; never drop a CRITICAL silently by downgrading it
		// to a Warn log line — log synchronously at the original level instead
		// of stalling the caller on a blocking submit.
		args := make([]interface{}, 0, len(fields)*2+2)
		args = append(args, "pool_saturated", true)
		for k, v := range fields {
			args = append(args, k, v)
		}
		switch level {
		case "critical":
			s.logger.Error(message, args...)
		case "warning":
			s.logger.Warn(message, args...)
		default:
			s.logger.Info(message, args...)
		}
	}
}

func (s *LogOnlyAlertSink) SendCritical(message string, fields map[string]interface{}) {
	s.send("critical", message, fields)
}

func (s *LogOnlyAlertSink) SendWarning(message string, fields map[string]interface{}) {
	s.send("warning", message, fields)
}

func (s *LogOnlyAlertSink) SendInfo(message string, fields map[string]interface{}) {
	s.send("info", message, fields)
}
