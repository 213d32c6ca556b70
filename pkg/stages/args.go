// Package stages builds the scheduler submissions for pipeline stages: the
// stage argv, the sbatch script around it, and the job output directory.
// Builders are deterministic; everything they need arrives in the request.
package stages

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// shellMetachars are the characters that must never appear in a free-form
// argument token. The executor never invokes a shell, but the rendered sbatch
// script does, so these are rejected at the boundary.
const shellMetachars = ";|&`$()<>{}!\\\n\r"

// flagShape is the only accepted form for option tokens.
var flagShape = regexp.MustCompile(`^--?[A-Za-z][\w-]*$`)

// ParseAdditionalArgs tokenizes a user-supplied argument string, respecting
// quotes. Any token carrying a shell metacharacter, and any option token not
// matching the flag shape, rejects the entire string: partial acceptance
// would silently change the meaning of what the user typed.
func ParseAdditionalArgs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	tokens, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable additional arguments: %w", err)
	}

	for _, tok := range tokens {
		if strings.ContainsAny(tok, shellMetachars) {
			return nil, fmt.Errorf("argument %q contains a shell metacharacter", tok)
		}
		if strings.HasPrefix(tok, "-") && !isNumber(tok) {
			// "--flag=value" validates the flag part only. Negative numbers
			// are values, not flags.
			flag, _, _ := strings.Cut(tok, "=")
			if !flagShape.MatchString(flag) {
				return nil, fmt.Errorf("argument %q is not a valid option flag", tok)
			}
		}
	}
	return tokens, nil
}

func isNumber(tok string) bool {
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}
