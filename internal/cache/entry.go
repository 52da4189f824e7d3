// Package cache memoizes expensive agent invocations by content-derived
// keys. A key is a pure function of the agent name, the context inputs
// that determine result validity (build output, relevant file set, total
// error count), and the arguments. Entries expire by TTL or explicit
// invalidation; failing results are cached verbatim too, so a stale
// failure replays until expiry or invalidation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// ErrNotFound marks a cache miss. Not a failure; callers recompute.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one immutable cached invocation result.
type Entry struct {
	Key        string    `json:"key"`
	AgentName  string    `json:"agent_name"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Stdout     []byte    `json:"stdout"`
	Stderr     []byte    `json:"stderr"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// Store persists cache entries keyed by their derived hash.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	// DeleteAgent removes every entry for one agent name and returns the
	// number removed.
	DeleteAgent(ctx context.Context, agentName string) (int, error)
	// Flush removes all entries.
	Flush(ctx context.Context) error
}

// ContextInputs are the invalidation-relevant inputs folded into the key.
type ContextInputs struct {
	// BuildOutput is the current raw build output, hashed for agents
	// whose results depend on the error state.
	BuildOutput []byte
	// FilePaths is the relevant file set, hashed (paths and contents)
	// for agents that edit or read files.
	FilePaths []string
	// TotalErrors is the current total error count; negative means
	// unavailable.
	TotalErrors int
}

var (
	errorSensitive   = regexp.MustCompile(`(?i)error|fix|analy[sz]`)
	contentSensitive = regexp.MustCompile(`(?i)fix|edit|refactor|format|apply`)
)

// Key derives the cache key. Identical inputs always yield the identical
// key; changing any one input changes it.
func Key(agentName string, in ContextInputs, args []string) string {
	ctxHash := contextHash(agentName, in)

	argsHasher := sha256.New()
	for _, a := range args {
		argsHasher.Write([]byte(a))
		argsHasher.Write([]byte{0})
	}

	h := sha256.New()
	h.Write([]byte(agentName))
	h.Write([]byte{0})
	h.Write([]byte(ctxHash))
	h.Write([]byte{0})
	h.Write(argsHasher.Sum(nil))
	return hex.EncodeToString(h.Sum(nil))
}

func contextHash(agentName string, in ContextInputs) string {
	h := sha256.New()

	if errorSensitive.MatchString(agentName) {
		sum := sha256.Sum256(in.BuildOutput)
		h.Write(sum[:])
	}
	if contentSensitive.MatchString(agentName) {
		h.Write([]byte(fileSetHash(in.FilePaths)))
	}
	if in.TotalErrors >= 0 {
		h.Write([]byte(strconv.Itoa(in.TotalErrors)))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// fileSetHash hashes the sorted path list and, where readable, file
// contents. Unreadable files contribute their path only.
func fileSetHash(paths []string) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
		if f, err := os.Open(p); err == nil {
			_, _ = io.Copy(h, f)
			f.Close()
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// agentKeyspace prefixes redis keys; exported only through the stores.
func agentKeyspace(agentName string) string {
	return fmt.Sprintf("buildfix:cache:agent:%s", agentName)
}
