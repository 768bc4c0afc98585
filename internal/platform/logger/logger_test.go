package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		" junk ":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "parseLevel(%q)", in)
	}
}

func TestInitNamedJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Service: "outreach", Writer: &buf})

	Named("batch").Info().Str("job_id", "j1").Msg("batch finished")
	Named("").Debug().Msg("root line")

	out := buf.String()
	assert.Contains(t, out, `"component":"batch"`)
	assert.Contains(t, out, `"service":"outreach"`)
	assert.Contains(t, out, `"job_id":"j1"`)
	assert.Contains(t, out, "root line")
}
