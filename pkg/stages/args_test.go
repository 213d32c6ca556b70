package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdditionalArgs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"empty", "", nil},
		{"whitespace only", "   ", nil},
		{"plain flags", "--do_dose_weighting --save_noDW", []string{"--do_dose_weighting", "--save_noDW"}},
		{"flag with value", "--bfactor 200", []string{"--bfactor", "200"}},
		{"flag=value form", "--bfactor=200", []string{"--bfactor=200"}},
		{"quoted value with spaces", `--label "my value"`, []string{"--label", "my value"}},
		{"single-dash flag", "-j 8", []string{"-j", "8"}},
		{"negative number value", "--defocus -1.5", []string{"--defocus", "-1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAdditionalArgs(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAdditionalArgs_RejectsWholeString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"command injection", "--ok ; rm -rf /"},
		{"pipe", "--ok | tee /etc/passwd"},
		{"backtick", "--ok `id`"},
		{"subshell", "--ok $(id)"},
		{"redirect", "--ok > /tmp/x"},
		{"background", "--ok &"},
		{"brace", "--ok {a,b}"},
		{"bang", "--ok !!"},
		{"bad flag shape", "---triple"},
		{"flag with dot", "--bad.flag"},
		{"unterminated quote", `--label "oops`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAdditionalArgs(tt.raw)
			require.Error(t, err)
			assert.Nil(t, got, "nothing from a rejected string may survive")
		})
	}
}
