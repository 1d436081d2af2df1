/*Package cmdtable maps an instrument's native command vocabulary onto generic
camera-control calls.

A table is pure data, loaded from YAML at startup.  Onboarding a new
instrument means writing a new table, not new code.  A minimal table:

	instrument: MODS
	commands:
	  DOEXP:
	    params: [float]
	    calls:
	      - call: configure
	        args:
	          integrationTime: $0
	          binH: "1"
	          binV: "1"
	      - call: expose
	  QUIT:
	    calls:
	      - call: abort

Bindings of the form $N substitute the Nth positional argument of the
incoming command; anything else is a literal, converted to the target call's
parameter type at dispatch.
*/
package cmdtable

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// ErrUnknownCommand is generated when a command name is absent from the table.
type ErrUnknownCommand struct {
	Name string
}

func (e ErrUnknownCommand) Error() string {
	return fmt.Sprintf("cmdtable: unknown command %q", e.Name)
}

// ErrArgumentMismatch is generated when a command's arguments do not match the
// mapping's declared signature.
type ErrArgumentMismatch struct {
	Command string
	Reason  string
}

func (e ErrArgumentMismatch) Error() string {
	return fmt.Sprintf("cmdtable: arguments to %s do not match signature: %s", e.Command, e.Reason)
}

// knownCalls enumerates the camera API verbs a mapping may target.
var knownCalls = map[string]bool{
	"configure": true,
	"expose":    true,
	"abort":     true,
	"status":    true,
	"fetch":     true,
	"reset":     true,
}

// knownTypes enumerates the positional parameter types a mapping may declare.
var knownTypes = map[string]bool{
	"float":  true,
	"int":    true,
	"string": true,
	"bool":   true,
}

// callParams enumerates, per call, the parameter names a mapping may bind and
// the type each carries.  Calls absent from the map take no arguments.
var callParams = map[string]map[string]string{
	"configure": {
		"integrationTime": "float",
		"binH":            "int",
		"binV":            "int",
		"gainMode":        "string",
		"timingFile":      "string",
		"tag":             "string",
	},
}

// CallSpec is one target API call within a mapping.
type CallSpec struct {
	// Call is the camera API verb
	Call string `yaml:"call"`

	// Args binds the verb's named parameters, either to a positional
	// argument ("$0") or to a literal
	Args map[string]string `yaml:"args,omitempty"`
}

// MappingSpec is the declared signature and call plan for one instrument
// command.
type MappingSpec struct {
	// Params are the positional parameter types the command accepts
	Params []string `yaml:"params,omitempty"`

	// Calls are executed strictly in order
	Calls []CallSpec `yaml:"calls"`
}

// BoundCall is a CallSpec with its argument bindings resolved against a
// concrete set of command arguments.
type BoundCall struct {
	Call string
	Args map[string]string
}

// Table is a per-instrument command table.  It is read-only after Load.
type Table struct {
	Instrument string                 `yaml:"instrument"`
	Commands   map[string]MappingSpec `yaml:"commands"`
}

// Load reads and validates a table from a YAML file.  Malformed entries fail
// here, not at first use.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t := &Table{}
	if err := yaml.NewDecoder(f).Decode(t); err != nil {
		return nil, fmt.Errorf("cmdtable: %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks every mapping: known call names, known parameter types,
// positional bindings that reference declared parameters of a compatible
// type, known call parameter names, and literals that parse as their target
// parameter's type.  Nothing is left to fail at first dispatch.
func (t *Table) Validate() error {
	if t.Instrument == "" {
		return fmt.Errorf("cmdtable: table does not name an instrument")
	}
	if len(t.Commands) == 0 {
		return fmt.Errorf("cmdtable: table for %s has no commands", t.Instrument)
	}
	for name, m := range t.Commands {
		if len(m.Calls) == 0 {
			return fmt.Errorf("cmdtable: command %s has no calls", name)
		}
		for _, typ := range m.Params {
			if !knownTypes[typ] {
				return fmt.Errorf("cmdtable: command %s declares unknown parameter type %q", name, typ)
			}
		}
		for _, c := range m.Calls {
			if !knownCalls[c.Call] {
				return fmt.Errorf("cmdtable: command %s targets unknown call %q", name, c.Call)
			}
			accepted := callParams[c.Call]
			for param, binding := range c.Args {
				want, ok := accepted[param]
				if !ok {
					return fmt.Errorf("cmdtable: command %s: call %s has no parameter %q", name, c.Call, param)
				}
				if idx, positional := parseBinding(binding); positional {
					if idx >= len(m.Params) {
						return fmt.Errorf("cmdtable: command %s binds %s to $%d but declares only %d parameters",
							name, param, idx, len(m.Params))
					}
					if !typeAssignable(m.Params[idx], want) {
						return fmt.Errorf("cmdtable: command %s binds %s parameter %s to $%d, which is a %s",
							name, want, param, idx, m.Params[idx])
					}
					continue
				}
				if err := checkType(binding, want); err != nil {
					return fmt.Errorf("cmdtable: command %s: call %s: literal for %s: %v", name, c.Call, param, err)
				}
			}
		}
	}
	return nil
}

// typeAssignable reports whether a positional parameter of type from may bind
// a call parameter of type to.  Ints widen to floats; nothing else converts.
func typeAssignable(from, to string) bool {
	return from == to || (from == "int" && to == "float")
}

// parseBinding returns (index, true) for "$N" bindings and (0, false) for
// literals.
func parseBinding(s string) (int, bool) {
	if !strings.HasPrefix(s, "$") {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Lookup resolves an instrument command and its positional arguments into an
// ordered list of bound camera API calls.  It performs no hardware
// interaction.
func (t *Table) Lookup(name string, args []string) ([]BoundCall, error) {
	m, ok := t.Commands[name]
	if !ok {
		return nil, ErrUnknownCommand{Name: name}
	}
	if len(args) != len(m.Params) {
		return nil, ErrArgumentMismatch{
			Command: name,
			Reason:  fmt.Sprintf("got %d arguments, signature declares %d", len(args), len(m.Params)),
		}
	}
	for i, typ := range m.Params {
		if err := checkType(args[i], typ); err != nil {
			return nil, ErrArgumentMismatch{
				Command: name,
				Reason:  fmt.Sprintf("argument %d: %v", i, err),
			}
		}
	}
	plan := make([]BoundCall, 0, len(m.Calls))
	for _, c := range m.Calls {
		bc := BoundCall{Call: c.Call, Args: map[string]string{}}
		for param, binding := range c.Args {
			if idx, positional := parseBinding(binding); positional {
				bc.Args[param] = args[idx]
			} else {
				bc.Args[param] = binding
			}
		}
		plan = append(plan, bc)
	}
	return plan, nil
}

func checkType(raw, typ string) error {
	switch typ {
	case "float":
		if _, err := strconv.ParseFloat(raw, 64); err != nil {
			return fmt.Errorf("%q is not a float", raw)
		}
	case "int":
		if _, err := strconv.Atoi(raw); err != nil {
			return fmt.Errorf("%q is not an int", raw)
		}
	case "bool":
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%q is not a bool", raw)
		}
	case "string":
		// anything goes
	}
	return nil
}
