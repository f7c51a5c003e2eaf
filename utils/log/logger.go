/*
   Copyright @ 2021 bocloud <fushaosong@beyondcent.com>.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the agent logger is built.
//
// Level is one of debug/info/warn/error. When File is set, output is also
// written to a rotating file.
type Options struct {
	Level string
	File  string
	// Console defaults to os.Stdout.
	Console io.Writer
}

// New builds the logger for one agent invocation. The returned logger is
// handed to every component explicitly.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if os.Getenv("DEBUG") != "" {
		level = zap.DebugLevel
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	syncer := zapcore.AddSync(console)
	if opts.File != "" {
		hook := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    30, // megabytes
			MaxBackups: 3,
			MaxAge:     1,
			Compress:   false,
		}
		syncer = zapcore.NewMultiWriteSyncer(syncer, zapcore.AddSync(hook))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), syncer, level)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}

// Nop returns a logger that discards everything, mostly for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "line",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug":
		return zap.DebugLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
}
