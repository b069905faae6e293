package log

import (
	"io"
	"time"

	"go.uber.org/zap/zapcore"
)

// zapOutput writes each message as a single JSON object using the zap
// encoder, for collectors that expect JSON lines.
type zapOutput struct {
	core  zapcore.Core
	close func() error
}

func newZapOutput(w io.Writer, closeFn func() error) Output {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}
	// Debug messages are filtered by Logger already.
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	return zapOutput{core: core, close: closeFn}
}

func (z zapOutput) Write(stamp time.Time, debug bool, msg string) {
	lvl := zapcore.InfoLevel
	if debug {
		lvl = zapcore.DebugLevel
	}
	// Write errors are reported by zap to its ErrorOutput, there is nothing
	// better to do with them here.
	_ = z.core.Write(zapcore.Entry{Level: lvl, Time: stamp, Message: msg}, nil)
}

func (z zapOutput) Close() error {
	// Sync fails on terminals and pipes, ignore it as WriterOutput does not
	// sync either.
	_ = z.core.Sync()
	if z.close == nil {
		return nil
	}
	return z.close()
}

// JSONOutput returns a log.Output that writes messages to w as JSON
// objects with "timestamp", "level" and "message" keys, one per line.
//
// Closing returned log.Output object will have no effect on w.
func JSONOutput(w io.Writer) Output {
	return newZapOutput(w, nil)
}

// JSONFileOutput is FileOutput writing JSON lines like JSONOutput.
func JSONFileOutput(path string, opts RotateOpts) Output {
	lj := rotatingFile(path, opts)
	return newZapOutput(lj, lj.Close)
}
