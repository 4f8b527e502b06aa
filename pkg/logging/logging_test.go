package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitLevelsAndModes(t *testing.T) {
	tests := []struct {
		debug, human bool
		wantLevel    zerolog.Level
	}{
		{false, false, zerolog.InfoLevel},
		{true, false, zerolog.DebugLevel},
		{false, true, zerolog.InfoLevel},
		{true, true, zerolog.DebugLevel},
	}
	for _, tt := range tests {
		Init(tt.debug, tt.human)
		if got := zerolog.GlobalLevel(); got != tt.wantLevel {
			t.Errorf("Init(%v, %v): level %v, want %v", tt.debug, tt.human, got, tt.wantLevel)
		}
		if IsPrettyMode() != tt.human {
			t.Errorf("Init(%v, %v): pretty mode %v", tt.debug, tt.human, IsPrettyMode())
		}
	}
	Init(false, false)
}

func TestWithPhase(t *testing.T) {
	for _, phase := range []string{PhaseRead, PhaseShip, PhaseContinue, PhaseForward} {
		var buf bytes.Buffer
		SetLogger(zerolog.New(&buf))

		log := WithPhase(phase)
		log.Info().Msg("object read")

		if !bytes.Contains(buf.Bytes(), []byte(`"phase":"`+phase+`"`)) {
			t.Errorf("expected phase %q in output, got: %s", phase, buf.String())
		}
	}
	Init(false, false)
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).With().Str("function", "s3logfwd").Logger())

	L().Info().Msg("invocation started")

	if !bytes.Contains(buf.Bytes(), []byte(`"function":"s3logfwd"`)) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}
	Init(false, false)
}

func TestSetPrettyMode(t *testing.T) {
	SetPrettyMode(true)
	if !IsPrettyMode() {
		t.Error("pretty mode not set")
	}
	SetPrettyMode(false)
	if IsPrettyMode() {
		t.Error("pretty mode not cleared")
	}
}
