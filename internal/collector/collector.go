// Package collector normalizes a transport.Result into a structured
// artifact, classified logs, and metrics: the Output Collector of the
// orchestration core. It never interprets agent semantics — an artifact is
// either the typed "artifact" field of the agent's JSON output or, failing
// that, the whole stdout object, parsed exactly once and hashed for content
// addressing.
package collector

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"goa.design/pipeline-core/internal/exectx"
	"goa.design/pipeline-core/internal/transport"
)

type (
	// LogLevel classifies one collected log line.
	LogLevel string

	// LogLine is one classified line from stdout or stderr.
	LogLine struct {
		Level LogLevel
		Text  string
	}

	// CollectedOutput is the normalized result of one invocation, ready for
	// the Decision Engine and the Artifact Store.
	CollectedOutput struct {
		Artifact     map[string]any
		ArtifactHash string
		ArtifactPath string
		Logs         []LogLine
		DurationMs   int64
		ExitCode     *int
		Ok           bool
		Truncated    bool
	}
)

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// truncatedMarker is appended to any log stream or artifact field that
// exceeds the configured max output size.
const truncatedMarkerFmt = "...TRUNCATED (%d bytes)"

// Collector turns raw invocation results into CollectedOutput, persisting
// the artifact bytes under the execution's artifact directory.
type Collector struct {
	maxOutputSize int
}

// New constructs a Collector. maxOutputSize bounds any single log stream or
// the raw artifact payload before truncation; 0 means unlimited.
func New(maxOutputSize int) *Collector {
	return &Collector{maxOutputSize: maxOutputSize}
}

// Collect normalizes result produced for execCtx into a CollectedOutput. It
// always returns a value, even for a failed invocation (Ok=false, no
// artifact) — collection never fails on the invocation's own outcome, only
// on an I/O error persisting the artifact file.
func (c *Collector) Collect(result transport.Result, execCtx *exectx.ExecutionContext) (*CollectedOutput, error) {
	out := &CollectedOutput{
		DurationMs: result.DurationMs,
		ExitCode:   result.ExitCode,
		Ok:         result.Ok,
		Logs:       append(c.classify(result.Stdout), c.classify(result.Stderr)...),
	}
	if !result.Ok {
		return out, nil
	}

	artifact, err := extractArtifact(result.Stdout)
	if err != nil {
		// Stdout did not parse as JSON at all; nothing to collect as an
		// artifact but the invocation itself still succeeded (e.g. a
		// SKIP-bound agent that emits no payload).
		return out, nil
	}

	canonical, err := canonicalize(artifact)
	if err != nil {
		return nil, fmt.Errorf("collector: canonicalize artifact: %w", err)
	}
	if c.maxOutputSize > 0 && len(canonical) > c.maxOutputSize {
		canonical = append(canonical[:c.maxOutputSize], []byte(fmt.Sprintf(truncatedMarkerFmt, len(canonical)))...)
		out.Truncated = true
	}

	sum := sha256.Sum256(canonical)
	hash := fmt.Sprintf("%x", sum)
	path := filepath.Join(execCtx.Paths.ArtifactDir, hash+".json")
	if err := os.WriteFile(path, canonical, 0o644); err != nil {
		return nil, fmt.Errorf("collector: persist artifact: %w", err)
	}

	out.Artifact = artifact
	out.ArtifactHash = hash
	out.ArtifactPath = path
	return out, nil
}

// extractArtifact parses stdout as a JSON object, preferring a top-level
// "artifact" field if present over the whole object.
func extractArtifact(stdout []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("collector: empty stdout")
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("collector: stdout is not a conforming JSON object: %w", err)
	}
	if artifact, ok := obj["artifact"].(map[string]any); ok {
		return artifact, nil
	}
	return obj, nil
}

// canonicalize re-serializes v with sorted map keys so that two
// semantically identical artifacts always hash to the same bytes,
// independent of map iteration order.
func canonicalize(v map[string]any) ([]byte, error) {
	return canonicalValue(v)
}

func canonicalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := canonicalValue(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := canonicalValue(e)
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}

// classify splits a byte stream into lines and assigns each a LogLevel by a
// simple prefix heuristic ("ERROR:", "WARN:", "DEBUG:"; anything else is
// INFO), matching the level-prefix convention the example agents are
// expected to emit on stderr.
func (c *Collector) classify(stream []byte) []LogLine {
	if len(stream) == 0 {
		return nil
	}
	if c.maxOutputSize > 0 && len(stream) > c.maxOutputSize {
		stream = append(stream[:c.maxOutputSize], []byte(fmt.Sprintf(truncatedMarkerFmt, len(stream)))...)
	}
	var lines []LogLine
	for _, raw := range bytes.Split(stream, []byte("\n")) {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		lines = append(lines, LogLine{Level: levelOf(line), Text: line})
	}
	return lines
}

func levelOf(line string) LogLevel {
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "ERROR"):
		return LogError
	case strings.HasPrefix(upper, "WARN"):
		return LogWarn
	case strings.HasPrefix(upper, "DEBUG"):
		return LogDebug
	default:
		return LogInfo
	}
}

// ArtifactID derives the content-addressed artifact id for out exactly as
// Collect computed it, exposed so callers (the Artifact Store) that receive
// a CollectedOutput secondhand can still verify it without recomputation.
func ArtifactID(out *CollectedOutput) string {
	if out == nil {
		return ""
	}
	return out.ArtifactHash
}
