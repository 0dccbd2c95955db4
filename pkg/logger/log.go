package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

const DEFAULT_MIN_STATUS = INFO

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric severity of this status, suitable
// for passing to SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

// ParseLevel converts a level name (as found in configuration, e.g. "INFO"
// or "warning") to a LogStatus. Unknown names return an error.
func ParseLevel(name string) (LogStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "VERBOSE":
		return VERBOSE, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARNING, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL", "CRITICAL":
		return FATAL, nil
	}

	return INFO, fmt.Errorf("unknown log level %q", name)
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(message string, args ...interface{}) { l.Emit(VERBOSE, message, args...) }
func (l *loggerImpl) Debugf(message string, args ...interface{})   { l.Emit(DEBUG, message, args...) }
func (l *loggerImpl) Infof(message string, args ...interface{})    { l.Emit(INFO, message, args...) }
func (l *loggerImpl) Warnf(message string, args ...interface{})    { l.Emit(WARNING, message, args...) }
func (l *loggerImpl) Errorf(message string, args ...interface{})   { l.Emit(ERROR, message, args...) }

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
	SetMinLevel(LogStatus)
	SetFileOutput(io.WriteCloser)
}

var Log LoggerManager = &loggerMgr{
	offset:    0,
	minStatus: DEFAULT_MIN_STATUS,
}

type loggerMgr struct {
	sync.Mutex
	offset    int
	minStatus LogStatus
	file      io.WriteCloser
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status < l.minStatus {
		return
	}

	l.setNameOffset(len(name))
	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Print(msg)
	if l.file != nil {
		fmt.Fprint(l.file, msg)
	}
}

func (l *loggerMgr) SetMinLevel(status LogStatus) {
	l.Lock()
	defer l.Unlock()
	l.minStatus = status
}

// SetFileOutput tees every emitted line (without colour) to the writer
// provided. Any previously configured file output is closed.
func (l *loggerMgr) SetFileOutput(w io.WriteCloser) {
	l.Lock()
	defer l.Unlock()

	if l.file != nil {
		l.file.Close()
	}
	l.file = w
}

func (l *loggerMgr) setNameOffset(offset int) {
	if offset > l.offset {
		l.offset = offset
	}
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

func SetMinLoggingLevel(level int) {
	if level < int(VERBOSE) || level > int(FATAL) {
		return
	}

	Log.SetMinLevel(LogStatus(level))
}

// SetOutputFile opens (or creates) the file at the path provided in append
// mode and mirrors all log output to it. An empty path disables file output.
func SetOutputFile(path string) error {
	if path == "" {
		Log.SetFileOutput(nil)
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	Log.SetFileOutput(f)
	return nil
}
