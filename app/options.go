package app

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrHelp is returned by ParseArgs after printing the option list.
var ErrHelp = errors.New("help requested")

type Options struct {
	// Debug enables debug logging and allows the software adapter when no
	// hardware adapter qualifies.
	Debug bool
	// Software runs on the in-process software device instead of Vulkan.
	Software bool
	// Validation enables the Vulkan validation layer.
	Validation bool

	Width, Height int
	// ShaderDir holds the compiled shaders. Relative paths are resolved
	// against the executable's directory.
	ShaderDir string
	// StatePath is the settings file. Empty means the user config dir.
	StatePath string
}

func DefaultOptions() Options {
	return Options{
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		ShaderDir: DefaultShaderDir,
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "\nOptions")
	fmt.Fprintln(out, "\t--debug")
	fmt.Fprintln(out, "\t\tLog debug output and fall back to the software adapter")
	fmt.Fprintln(out, "\t--software")
	fmt.Fprintln(out, "\t\tRender on the software device")
	fmt.Fprintln(out, "\t--validation")
	fmt.Fprintln(out, "\t\tEnable the Vulkan validation layer")
	fmt.Fprintf(out, "\t--width N, --height N\n\t\tInitial window size (default %dx%d)\n", DefaultWidth, DefaultHeight)
	fmt.Fprintf(out, "\t--shaders DIR\n\t\tCompiled shader directory (default %q next to the executable)\n", DefaultShaderDir)
	fmt.Fprintln(out, "\t--state FILE")
	fmt.Fprintln(out, "\t\tSettings file (default under the user config directory)")
}

// ParseArgs reads options from args, without the program name. Values are
// given as "--name value" or "--name=value".
func ParseArgs(args []string, out io.Writer) (Options, error) {
	opts := DefaultOptions()

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")

		takeValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", errors.Newf("option %s needs a value", name)
			}
			i++
			return args[i], nil
		}
		takeSize := func() (int, error) {
			v, err := takeValue()
			if err != nil {
				return 0, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return 0, errors.Newf("option %s: %q is not a positive size", name, v)
			}
			return n, nil
		}

		var err error
		switch name {
		case "--debug":
			opts.Debug = true
		case "--software":
			opts.Software = true
		case "--validation":
			opts.Validation = true
		case "--width":
			opts.Width, err = takeSize()
		case "--height":
			opts.Height, err = takeSize()
		case "--shaders":
			opts.ShaderDir, err = takeValue()
		case "--state":
			opts.StatePath, err = takeValue()
		case "--help", "-h":
			printUsage(out)
			return opts, ErrHelp
		default:
			fmt.Fprintf(out, "\nUnrecognized option: %s\n", arg)
			fmt.Fprintln(out, "\nUse --help or -h for option list.")
			return opts, errors.Newf("unrecognized option %s", arg)
		}
		if err != nil {
			return opts, err
		}
	}
	return opts, nil
}
