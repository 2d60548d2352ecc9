package workflow

// Logger defines the logging interface consumed by Workflow and Task.
// Any backend with printf-style Infof/Errorf works; internal/log provides
// a logrus-backed implementation for the binaries.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}
