package logging

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevelKnown(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"fatal": zerolog.FatalLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevelUnknownFallsBackToInfo(t *testing.T) {
	if got := parseLevel("garbage"); got != zerolog.InfoLevel {
		t.Errorf("parseLevel(garbage) = %v, want InfoLevel", got)
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	logger := New("debug")
	logger.Info().Msg("smoke test")
}
