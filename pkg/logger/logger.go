package logger

import (
	"os"
	"sync"
)

// Logger 日志接口，可通过 ReplaceDefault 替换为自定义实现
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Panic(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Panicf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})

	SetLevel(level Level)
	Sync() error
}

var (
	stdMu sync.RWMutex
	std   Logger = New(os.Stderr, InfoLevel, AddCaller(), AddCallerSkip(2))
)

func current() Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

func Default() Logger { return current() }

func ReplaceDefault(l Logger) {
	stdMu.Lock()
	defer stdMu.Unlock()
	std = l
}

func SetLevel(level Level) { current().SetLevel(level) }

func Debug(msg string, fields ...Field) { current().Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { current().Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { current().Warn(msg, fields...) }
func Error(msg string, fields ...Field) { current().Error(msg, fields...) }
func Panic(msg string, fields ...Field) { current().Panic(msg, fields...) }
func Fatal(msg string, fields ...Field) { current().Fatal(msg, fields...) }

func Debugf(format string, v ...interface{}) { current().Debugf(format, v...) }
func Infof(format string, v ...interface{})  { current().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { current().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { current().Errorf(format, v...) }
func Panicf(format string, v ...interface{}) { current().Panicf(format, v...) }
func Fatalf(format string, v ...interface{}) { current().Fatalf(format, v...) }

func Sync() error { return current().Sync() }
