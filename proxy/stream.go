package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"agent-interceptor/providers"
	"agent-interceptor/types"
)

// streamReadSize is the upstream read block size. Large enough for big
// tool-call chunks, small enough to keep time-to-first-byte low.
const streamReadSize = 32 * 1024

// StreamInterceptor forwards raw upstream bytes to the client unchanged
// while line-splitting a buffered copy into parsed chunks for logging.
//
// The forward path never waits on parsing: every read block is written
// downstream before its lines are handed to the parser, so the bytes the
// client sees are exactly the bytes the upstream sent.
type StreamInterceptor struct {
	parser  providers.Parser
	ndjson  bool
	chunks  []types.StreamChunk
	buffer  string
	firstAt *time.Time
}

// NewStreamInterceptor creates an interceptor in SSE mode (OpenAI,
// Anthropic) or NDJSON mode (Ollama).
func NewStreamInterceptor(parser providers.Parser, provider types.Provider) *StreamInterceptor {
	return &StreamInterceptor{
		parser: parser,
		ndjson: provider == types.ProviderOllama,
	}
}

// Chunks returns the parsed chunks accumulated so far.
func (si *StreamInterceptor) Chunks() []types.StreamChunk {
	return si.chunks
}

// FirstChunkTime returns when the first upstream block arrived, or nil
// if nothing was received.
func (si *StreamInterceptor) FirstChunkTime() *time.Time {
	return si.firstAt
}

// Intercept copies src to dst block by block, flushing after each write,
// and parses a buffered copy. When the downstream write fails (client
// disconnect) the bytes already received are still parsed before the
// error is returned, so the chunk list reflects everything captured.
func (si *StreamInterceptor) Intercept(dst io.Writer, src io.Reader) error {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, streamReadSize)

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			now := time.Now().UTC()
			if si.firstAt == nil {
				si.firstAt = &now
			}

			block := buf[:n]
			_, writeErr := dst.Write(block)
			if writeErr == nil && flusher != nil {
				flusher.Flush()
			}

			// Parse regardless of the write outcome: a disconnect must
			// not lose chunks already received from the upstream.
			si.feed(string(block), now)

			if writeErr != nil {
				return writeErr
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// feed appends decoded text to the line buffer and parses every complete
// line. At most one incomplete trailing line stays buffered.
func (si *StreamInterceptor) feed(text string, now time.Time) {
	si.buffer += text

	for {
		newline := strings.IndexByte(si.buffer, '\n')
		if newline < 0 {
			return
		}
		line := strings.TrimSpace(si.buffer[:newline])
		si.buffer = si.buffer[newline+1:]
		if line == "" {
			continue
		}

		if si.ndjson {
			si.appendChunk(line, line, now)
			continue
		}

		// SSE: only data: lines carry payloads; event:, id:, retry: are
		// framing and are skipped.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[5:])
		if data == "" {
			continue
		}
		si.appendChunk(line, data, now)
	}
}

func (si *StreamInterceptor) appendChunk(line, data string, now time.Time) {
	parsed := si.parser.ParseStreamChunk(data)
	si.chunks = append(si.chunks, types.StreamChunk{
		Index:     len(si.chunks),
		Timestamp: now,
		Data:      line,
		Parsed:    parsed.Parsed,
		DeltaText: parsed.DeltaText,
	})
}

// ShouldInjectStreamOptions reports whether an OpenAI streaming request
// needs stream_options.include_usage turned on so the final chunk carries
// token usage.
func ShouldInjectStreamOptions(body map[string]any, provider types.Provider) bool {
	if provider != types.ProviderOpenAI {
		return false
	}
	if stream, _ := body["stream"].(bool); !stream {
		return false
	}
	if opts, ok := body["stream_options"].(map[string]any); ok {
		if include, _ := opts["include_usage"].(bool); include {
			return false
		}
	}
	return true
}

// InjectStreamOptions returns a copy of the body with
// stream_options.include_usage set. The caller's map is not modified;
// the original request body stays what the client sent.
func InjectStreamOptions(body map[string]any) map[string]any {
	modified := make(map[string]any, len(body)+1)
	for k, v := range body {
		modified[k] = v
	}
	opts := map[string]any{}
	if existing, ok := body["stream_options"].(map[string]any); ok {
		for k, v := range existing {
			opts[k] = v
		}
	}
	opts["include_usage"] = true
	modified["stream_options"] = opts
	return modified
}
