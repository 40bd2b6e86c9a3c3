package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const (
	eventPrefix  = "data:"
	doneSentinel = "[DONE]"
)

// Decode reads a chunked completion stream line by line and calls onDelta for
// every non-empty content delta, in order. Bytes are buffered until a newline,
// so a JSON object or a multi-byte rune split across network reads is joined
// before parsing. Lines that still fail to parse are skipped.
//
// Decode returns nil at the [DONE] sentinel or a clean end of stream, and the
// read error otherwise. Anything after [DONE] is not read.
func Decode(r io.Reader, onDelta func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if isDone(line) {
				return nil
			}
			if delta, ok := parseLine(line); ok {
				onDelta(delta)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isDone(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, eventPrefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, eventPrefix)) == doneSentinel
}

func parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, eventPrefix) {
		return "", false
	}
	data := strings.TrimPrefix(strings.TrimPrefix(line, eventPrefix), " ")
	if data == "" {
		return "", false
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Trace().Err(err).Str("component", "provider").Msg("skipping undecodable stream line")
		return "", false
	}
	var sb strings.Builder
	for _, choice := range chunk.Choices {
		sb.WriteString(choice.Delta.Content)
	}
	if sb.Len() == 0 {
		return "", false
	}
	return sb.String(), true
}
