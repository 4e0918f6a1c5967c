package logger

import "go.uber.org/zap"

type Option = zap.Option

func AddCaller() Option { return zap.AddCaller() }

func AddCallerSkip(skip int) Option { return zap.AddCallerSkip(skip) }

// AddStacktrace 指定级别及以上输出堆栈
func AddStacktrace(level Level) Option { return zap.AddStacktrace(toZapLevel(level)) }

func Fields(fields ...Field) Option { return zap.Fields(fields...) }
