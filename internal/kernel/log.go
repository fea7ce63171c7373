package kernel

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tonyho/genode-barehw-imx6-tz/internal/shared/args"
)

// LogServiceName is the service name of the LOG service.
const LogServiceName = "LOG"

// Service is anything a component can open sessions at.
type Service interface {
	Name() string
	Connect(args string) (Session, error)
}

// Session is an open session at a Service.
type Session interface {
	Close() error
}

// LogWriter is a session accepting log lines.
type LogWriter interface {
	Session
	Write(msg string)
}

// LogService prints labeled lines.
type LogService struct {
	logger *zap.Logger
	lines  atomic.Uint64

	mu     sync.Mutex
	labels map[string]uint64
}

// NewLogService creates a LOG service writing to logger.
func NewLogService(logger *zap.Logger) *LogService {
	return &LogService{
		logger: logger,
		labels: make(map[string]uint64),
	}
}

// Name returns "LOG".
func (s *LogService) Name() string { return LogServiceName }

// Connect opens a session labeled by the label argument.
func (s *LogService) Connect(sessionArgs string) (Session, error) {
	return s.Open(args.String(sessionArgs, args.Label, "")), nil
}

// Open opens a session with the given label.
func (s *LogService) Open(label string) *LogSession {
	return &LogSession{service: s, label: label}
}

// Lines returns the number of lines written so far.
func (s *LogService) Lines() uint64 {
	return s.lines.Load()
}

// LinesFrom returns the number of lines written under label.
func (s *LogService) LinesFrom(label string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labels[label]
}

func (s *LogService) write(label, msg string) {
	s.lines.Add(1)
	s.mu.Lock()
	s.labels[label]++
	s.mu.Unlock()
	s.logger.Info(msg, zap.String("label", label))
}

// LogSession writes lines under a fixed label.
type LogSession struct {
	service *LogService
	label   string
	closed  atomic.Bool
}

// Label returns the label the session was opened with.
func (s *LogSession) Label() string { return s.label }

// Write logs msg. Writes after Close are dropped.
func (s *LogSession) Write(msg string) {
	if s.closed.Load() {
		return
	}
	s.service.write(s.label, msg)
}

// Close ends the session.
func (s *LogSession) Close() error {
	s.closed.Store(true)
	return nil
}
