// ABOUTME: Minimal flag parsing for subcommands
// ABOUTME: Accepts "--name value", "--name=value" and boolean switches

package main

import (
	"fmt"
	"strings"
)

// flagSpec maps a flag name (without dashes) to whether it takes a value.
type flagSpec map[string]bool

// parseFlags splits args into flag values and positional arguments.
// Boolean switches are recorded with the value "true".
func parseFlags(args []string, spec flagSpec) (map[string]string, []string, error) {
	values := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		name := strings.TrimLeft(arg, "-")
		value, inline := "", false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name, value, inline = name[:eq], name[eq+1:], true
		}
		takesValue, ok := spec[name]
		if !ok {
			return nil, nil, fmt.Errorf("unknown flag: %s", arg)
		}
		switch {
		case !takesValue && inline:
			return nil, nil, fmt.Errorf("--%s does not take a value", name)
		case !takesValue:
			value = "true"
		case !inline:
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = value
	}
	return values, positional, nil
}
