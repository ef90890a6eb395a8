package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// reservedFlags are set by the decoder itself and may not be overridden from
// configured extra arguments.
var reservedFlags = map[string]bool{
	"-i": true, "-f": true, "-y": true, "-map": true, "-pix_fmt": true,
	"-ss": true, "-t": true, "-to": true, "-vsync": true, "-fps_mode": true, "-hwaccel": true,
}

// SplitArgs securely splits an argument string into a slice of arguments.
// It prevents shell injection by not using a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// ValidateArgs checks configured decoder input options for potential risks.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if reservedFlags[arg] {
			return fmt.Errorf("argument %s is managed by the decoder and cannot be overridden", arg)
		}
		// Disallow shell-like metacharacters, though exec.Command prevents their execution.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}

// ParseExtraArgs splits and validates a configured argument string.
func ParseExtraArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := SplitArgs(s)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
