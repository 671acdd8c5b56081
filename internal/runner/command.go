package runner

import (
	"fmt"
	"strings"
)

// SplitCommand breaks a step's run command into the executable name and its
// arguments, honoring single quotes, double quotes and escaped quotes.
func SplitCommand(command string) (name string, args []string, err error) {
	fields := splitQuoted(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", []string{}, fmt.Errorf("%q is not a valid command", command)
	}
	return fields[0], fields[1:], nil
}

func splitQuoted(s string) []string {
	var fields []string
	var current strings.Builder
	inField := false
	var quote byte // 0 when outside quotes

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && quote == '"' && i+1 < len(s) && s[i+1] == '"':
			// escaped double quote inside double quotes
			current.WriteByte('"')
			i++
			inField = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inField = true
		case c == ' ' || c == '\t':
			if inField {
				fields = append(fields, current.String())
				current.Reset()
				inField = false
			}
		default:
			current.WriteByte(c)
			inField = true
		}
	}

	if inField {
		fields = append(fields, current.String())
	}
	return fields
}
