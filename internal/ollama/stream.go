package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"cloid/pkg/types"
)

// maxFragmentSize bounds a single NDJSON line.
const maxFragmentSize = 1 << 20

// fragment is one NDJSON line of a streaming generate response.
type fragment struct {
	api.GenerateResponse
	Error string `json:"error,omitempty"`
}

// readStream accumulates response text until a fragment with done=true and
// takes the token and timing metrics from that fragment. Lines that are not
// valid JSON are skipped. A stream that ends without done returns the text
// read so far with zero metrics.
func readStream(r io.Reader, log zerolog.Logger) (types.GenerateResult, error) {
	var (
		res types.GenerateResult
		sb  strings.Builder
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFragmentSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f fragment
		if err := json.Unmarshal(line, &f); err != nil {
			malformedFragmentsTotal.Inc()
			log.Warn().Err(malformedFragmentError{line: truncate(string(line), 120), err: err}).Msg("skipping stream fragment")
			continue
		}
		if f.Error != "" {
			res.Response = sb.String()
			return res, runtimeError{msg: f.Error}
		}
		sb.WriteString(f.Response)
		if f.Done {
			res.Tokens = f.EvalCount
			res.DurationMs = f.EvalDuration.Milliseconds()
			res.LoadMs = f.LoadDuration.Milliseconds()
			break
		}
	}
	res.Response = sb.String()
	if err := sc.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
