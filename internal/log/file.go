// Package log contains the logrus hooks behind the --log-output flag.
package log

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// AsyncHook is a logrus hook whose entries are written by Listen, until its
// context is done.
type AsyncHook interface {
	logrus.Hook
	Listen(ctx context.Context)
}

const fileHookBufferSize = 100

type fileHook struct {
	fs             afero.Fs
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
}

// FileHookFromConfigLine parses a `file=path[,level=lvl]` line and opens the
// log file, appending to it when it exists.
func FileHookFromConfigLine(
	fs afero.Fs, getCwd func() (string, error),
	fallbackLogger logrus.FieldLogger, line string,
) (AsyncHook, error) {
	hook := &fileHook{
		fs:             fs,
		fallbackLogger: fallbackLogger,
		levels:         logrus.AllLevels,
		loglines:       make(chan []byte, fileHookBufferSize),
	}

	if logOutput, _, _ := strings.Cut(line, "="); logOutput != "file" {
		return nil, fmt.Errorf("logfile configuration should be in the form `file=path-to-local-file` but is `%s`", line)
	}
	if err := hook.parseArgs(line); err != nil {
		return nil, err
	}
	if err := hook.openFile(getCwd); err != nil {
		return nil, err
	}
	return hook, nil
}

func (h *fileHook) parseArgs(line string) error {
	for _, token := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			return fmt.Errorf("logfile configuration token %q should be key=value", token)
		}
		switch key {
		case "file":
			if value == "" {
				return errors.New("filepath must not be empty")
			}
			h.path = value
		case "level":
			var err error
			if h.levels, err = parseLevels(value); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown logfile config key %s", key)
		}
	}
	return nil
}

func (h *fileHook) openFile(getCwd func() (string, error)) error {
	path := h.path
	if !filepath.IsAbs(path) {
		cwd, err := getCwd()
		if err != nil {
			return fmt.Errorf("'%s' is a relative path but could not determine CWD: %w", path, err)
		}
		path = filepath.Join(cwd, path)
	}

	if _, err := h.fs.Stat(filepath.Dir(path)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(path))
	}

	file, err := h.fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open logfile %s: %w", path, err)
	}

	h.w = file
	h.bw = bufio.NewWriter(file)
	return nil
}

// Listen writes log lines until ctx is done, then drains the queue and
// closes the file.
func (h *fileHook) Listen(ctx context.Context) {
	for {
		select {
		case entry := <-h.loglines:
			h.write(entry)
		case <-ctx.Done():
			h.drain()
			if err := h.bw.Flush(); err != nil {
				h.fallbackLogger.WithError(err).Error("Failed to flush the logfile")
			}
			if err := h.w.Close(); err != nil {
				h.fallbackLogger.WithError(err).Error("Failed to close the logfile")
			}
			return
		}
	}
}

// drain writes the queued lines. Nothing is fired once the context of
// Listen is done, but the buffered channel may still hold some.
func (h *fileHook) drain() {
	for {
		select {
		case entry := <-h.loglines:
			h.write(entry)
		default:
			return
		}
	}
}

func (h *fileHook) write(entry []byte) {
	if _, err := h.bw.Write(entry); err != nil {
		h.fallbackLogger.WithError(err).Error("Failed to write a log message to the logfile")
	}
}

// Fire queues the formatted entry.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	message, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("failed to get a log entry bytes: %w", err)
	}

	h.loglines <- message
	return nil
}

// Levels returns the configured log levels.
func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}
