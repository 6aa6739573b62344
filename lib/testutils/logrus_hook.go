package testutils

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SimpleLogrusHook records the entries fired at its levels.
type SimpleLogrusHook struct {
	HookedLevels []logrus.Level
	mutex        sync.Mutex
	messageCache []logrus.Entry
}

// Levels returns HookedLevels.
func (smh *SimpleLogrusHook) Levels() []logrus.Level {
	return smh.HookedLevels
}

// Fire records e.
func (smh *SimpleLogrusHook) Fire(e *logrus.Entry) error {
	smh.mutex.Lock()
	defer smh.mutex.Unlock()
	smh.messageCache = append(smh.messageCache, *e)
	return nil
}

// Drain returns the recorded entries and forgets them.
func (smh *SimpleLogrusHook) Drain() []logrus.Entry {
	smh.mutex.Lock()
	defer smh.mutex.Unlock()
	res := smh.messageCache
	smh.messageCache = nil
	return res
}

// Contains reports whether an entry at level with a message containing
// contents was recorded. Recorded entries are kept.
func (smh *SimpleLogrusHook) Contains(level logrus.Level, contents string) bool {
	smh.mutex.Lock()
	defer smh.mutex.Unlock()
	return LogContains(smh.messageCache, level, contents)
}

var _ logrus.Hook = &SimpleLogrusHook{}

// NewLogHook creates a SimpleLogrusHook for levels, or for every level when
// none are given.
func NewLogHook(levels ...logrus.Level) *SimpleLogrusHook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return &SimpleLogrusHook{HookedLevels: levels}
}

// LogContains checks logEntries for a message at expLevel containing
// expContents.
func LogContains(logEntries []logrus.Entry, expLevel logrus.Level, expContents string) bool {
	for _, entry := range logEntries {
		if entry.Level == expLevel && strings.Contains(entry.Message, expContents) {
			return true
		}
	}
	return false
}
