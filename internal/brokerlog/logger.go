// Package brokerlog is a small dependency-free async logger. Messages
// are best-effort: under backpressure they are dropped rather than
// blocking the connection goroutine that produced them.
package brokerlog

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("PAIRBROKER_DEBUG") == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf always writes, synchronously when debug logging is off and
// asynchronously (best-effort) when it is on.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated to keep connection goroutines non-blocking.
	}
}

// Debugf writes only when debug logging is enabled.
func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// Fields is a set of structured attributes attached to one debug line,
// most often a session or client id, so the debug stream can be grepped
// per session instead of per free-form message text.
type Fields map[string]any

// String renders f as sorted "key=value" pairs for stable output.
func (f Fields) String() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, f[k])
	}
	return strings.Join(parts, " ")
}

// Event writes msg with fields appended as "key=value" pairs, e.g.
// Event("dispatcher: peer delivery failed", Fields{"session_id": id, "err": err}).
func Event(msg string, fields Fields) {
	if !enabled() {
		return
	}
	if s := fields.String(); s != "" {
		Logf("%s %s", msg, s)
		return
	}
	Logf("%s", msg)
}

// allow reports whether key has not fired within interval, and records
// this call as the most recent firing if so. Shared by RateLimitedf and
// EventRateLimited; occasionally sweeps stale keys so rlLast does not
// grow unbounded across the lifetime of a long-running broker.
func allow(key string, interval time.Duration) bool {
	now := time.Now()
	rlMu.Lock()
	defer rlMu.Unlock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	return true
}

// RateLimitedf writes at most once per interval for a given key, e.g.
// to avoid flooding logs with repeated liveness-ping failures.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !enabled() || key == "" || !allow(key, interval) {
		return
	}
	Logf(format, args...)
}

// EventRateLimited is Event coalesced to at most once per interval per
// key. Keyed by client or session id, it keeps a burst of same-cause
// failures (e.g. many sessions expiring against the same unreachable
// peer connection) from producing one line per session.
func EventRateLimited(key string, interval time.Duration, msg string, fields Fields) {
	if !enabled() || key == "" || !allow(key, interval) {
		return
	}
	Event(msg, fields)
}
