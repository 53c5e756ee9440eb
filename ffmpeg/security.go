package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Options the converter manages itself and that must not come from FF_ARGS.
var reservedOptions = map[string]bool{
	"-i":               true,
	"-progress":        true,
	"-nostdin":         true,
	"-attach":          true,
	"-dump_attachment": true,
}

// SplitCommand securely splits an argument string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command syntax: %w", err)
	}
	return args, nil
}

// SanitizeAndValidateArgs checks extra encoder arguments for options the
// converter owns and for shell-like metacharacters.
func SanitizeAndValidateArgs(args []string) error {
	for _, arg := range args {
		if reservedOptions[arg] {
			return fmt.Errorf("option %s is managed by the converter", arg)
		}
		// exec.Command never runs a shell, but these have no business in encoder options.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
