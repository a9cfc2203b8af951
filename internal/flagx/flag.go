// Package flagx lets several flag parsers share one command line. Each
// parser filters os.Args down to the flags it owns before calling
// flag.FlagSet.Parse, so unknown flags of other parsers never fail it.
package flagx

import (
	"flag"
	"io"
	"strings"
)

// Set is the group of flags owned by one parser.
type Set struct {
	// name -> takes a value
	names map[string]bool
}

// NewSet builds a Set. valueFlags take a value ("-m uri" or "-m=uri");
// boolFlags never consume the following argument. Names include their
// dashes, e.g. "-v" and "--v" are distinct.
func NewSet(valueFlags []string, boolFlags ...string) Set {
	s := Set{names: make(map[string]bool, len(valueFlags)+len(boolFlags))}
	for _, f := range valueFlags {
		s.names[f] = true
	}
	for _, f := range boolFlags {
		s.names[f] = false
	}
	return s
}

// Filter returns the arguments of args that belong to s, in order.
// The result is never nil.
func (s Set) Filter(args []string) []string {
	filtered := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if !strings.HasPrefix(arg, "-") {
			continue
		}

		// -flag=value
		if name, _, ok := strings.Cut(arg, "="); ok {
			if _, own := s.names[name]; own {
				filtered = append(filtered, arg)
			}
			continue
		}

		takesValue, own := s.names[arg]
		if !own {
			continue
		}
		filtered = append(filtered, arg)
		if takesValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}

	return filtered
}

// FilterArgs keeps the value flags in allowed and their values.
func FilterArgs(args []string, allowed []string) []string {
	return NewSet(allowed).Filter(args)
}

var configFlags = NewSet([]string{"-c", "-config", "--config"})

// ConfigPath returns the value of -c / -config in args, or "" when neither
// is present. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&path, "config", "", "path to config file")
	fs.StringVar(&path, "c", "", "path to config file (short)")
	_ = fs.Parse(configFlags.Filter(args))

	return path
}
