// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/matrix-org/dugong"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/setup/config"
)

// CloseAndLogIfError closes io.Closer and logs the error if any
func CloseAndLogIfError(ctx context.Context, closer io.Closer, message string) {
	if closer == nil {
		return
	}
	err := closer.Close()
	if ctx == nil {
		ctx = context.TODO()
	}
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error(message)
	}
}

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// SetupStdLogging configures the logging format to standard output. Typically, it is called when the config is not yet loaded.
func SetupStdLogging() {
	logrus.SetReportCaller(true)
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
			CallerPrettyfier: callerPrettyfier,
		},
	})
}

// SetupHookLogging configures the logging hooks defined in the configuration.
// If something fails here it means that the logging was improperly configured,
// so we just exit with the error
func SetupHookLogging(hooks []config.LogrusHook) {
	levelLogAddedMu := map[logrus.Level]bool{}
	for _, hook := range hooks {
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}
		if level > logrus.GetLevel() {
			logrus.SetLevel(level)
		}
		switch hook.Type {
		case "file":
			checkFileHookParams(hook.Params)
			setupFileHook(hook, level)
		case "std":
			levelLogAddedMu[level] = true
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
	if len(levelLogAddedMu) == 0 {
		// No std hook configured, so file hooks are the only output.
		logrus.SetOutput(io.Discard)
	}
}

func checkFileHookParams(params map[string]interface{}) {
	path, ok := params["path"]
	if !ok {
		logrus.Fatalf("Expecting a parameter \"path\" for logging hook of type \"file\"")
	}
	if _, ok := path.(string); !ok {
		logrus.Fatalf("Parameter \"path\" for logging hook of type \"file\" should be a string")
	}
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	absLogDir, err := filepath.Abs(hook.Params["path"].(string))
	if err != nil {
		logrus.Fatalf("Failed to get absolute path of log directory: %s", err)
	}
	if err = os.MkdirAll(absLogDir, os.ModePerm); err != nil {
		logrus.Fatalf("Couldn't create directory %s: %q", absLogDir, err)
	}
	logrus.AddHook(&levelLogHook{
		level: level,
		hook: dugong.NewFSHook(
			filepath.Join(absLogDir, "receiptstream.log"),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}

// levelLogHook only fires the wrapped hook for entries at or above its level.
type levelLogHook struct {
	level logrus.Level
	hook  logrus.Hook
}

func (h *levelLogHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *levelLogHook) Fire(entry *logrus.Entry) error {
	return h.hook.Fire(entry)
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	// Only log the last directory and file name
	dir, file := filepath.Split(f.File)
	dir = filepath.Base(dir)
	funcName := f.Function
	if idx := strings.LastIndex(funcName, "."); idx >= 0 {
		funcName = funcName[idx+1:]
	}
	return fmt.Sprintf("%s()", funcName), fmt.Sprintf(" [%s/%s:%d]", dir, file, f.Line)
}
