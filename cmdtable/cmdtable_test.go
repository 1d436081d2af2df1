package cmdtable

import (
	"os"
	"path/filepath"
	"testing"
)

func modsTable(t *testing.T) *Table {
	t.Helper()
	tbl := &Table{
		Instrument: "MODS",
		Commands: map[string]MappingSpec{
			"DOEXP": {
				Params: []string{"float"},
				Calls: []CallSpec{
					{Call: "configure", Args: map[string]string{
						"integrationTime": "$0",
						"binH":            "1",
						"binV":            "1",
					}},
					{Call: "expose"},
				},
			},
			"QUIT":   {Calls: []CallSpec{{Call: "abort"}}},
			"STATUS": {Calls: []CallSpec{{Call: "status"}}},
		},
	}
	if err := tbl.Validate(); err != nil {
		t.Fatal("fixture table invalid:", err)
	}
	return tbl
}

func TestLookupBindsPositionals(t *testing.T) {
	tbl := modsTable(t)
	plan, err := tbl.Lookup("DOEXP", []string{"5"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan has %d calls, expected 2", len(plan))
	}
	if plan[0].Call != "configure" || plan[1].Call != "expose" {
		t.Errorf("plan order wrong: %s, %s", plan[0].Call, plan[1].Call)
	}
	if plan[0].Args["integrationTime"] != "5" {
		t.Errorf("positional binding got %q, expected 5", plan[0].Args["integrationTime"])
	}
	if plan[0].Args["binH"] != "1" {
		t.Errorf("literal binding got %q, expected 1", plan[0].Args["binH"])
	}
}

func TestLookupUnknownCommand(t *testing.T) {
	tbl := modsTable(t)
	_, err := tbl.Lookup("NOPE", nil)
	if _, ok := err.(ErrUnknownCommand); !ok {
		t.Errorf("got %T (%v), expected ErrUnknownCommand", err, err)
	}
}

func TestLookupArityMismatch(t *testing.T) {
	tbl := modsTable(t)
	_, err := tbl.Lookup("DOEXP", []string{"5", "6"})
	if _, ok := err.(ErrArgumentMismatch); !ok {
		t.Errorf("got %T (%v), expected ErrArgumentMismatch", err, err)
	}
	_, err = tbl.Lookup("DOEXP", nil)
	if _, ok := err.(ErrArgumentMismatch); !ok {
		t.Errorf("got %T (%v), expected ErrArgumentMismatch", err, err)
	}
}

func TestLookupTypeMismatch(t *testing.T) {
	tbl := modsTable(t)
	_, err := tbl.Lookup("DOEXP", []string{"banana"})
	if _, ok := err.(ErrArgumentMismatch); !ok {
		t.Errorf("got %T (%v), expected ErrArgumentMismatch", err, err)
	}
}

func TestValidateRejectsBadTables(t *testing.T) {
	cases := []struct {
		name string
		tbl  Table
	}{
		{"no instrument", Table{Commands: map[string]MappingSpec{"A": {Calls: []CallSpec{{Call: "abort"}}}}}},
		{"no commands", Table{Instrument: "X"}},
		{"no calls", Table{Instrument: "X", Commands: map[string]MappingSpec{"A": {}}}},
		{"bad call", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Calls: []CallSpec{{Call: "explode"}}}}}},
		{"bad type", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Params: []string{"quaternion"}, Calls: []CallSpec{{Call: "abort"}}}}}},
		{"binding out of range", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Params: []string{"float"}, Calls: []CallSpec{
				{Call: "configure", Args: map[string]string{"integrationTime": "$3"}}}}}}},
		{"unknown call parameter", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Calls: []CallSpec{
				{Call: "configure", Args: map[string]string{"bogusParam": "1"}}}}}}},
		{"arguments on a bare call", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Calls: []CallSpec{
				{Call: "expose", Args: map[string]string{"integrationTime": "5"}}}}}}},
		{"unparseable literal", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Calls: []CallSpec{
				{Call: "configure", Args: map[string]string{"integrationTime": "abc"}}}}}}},
		{"binding type mismatch", Table{Instrument: "X", Commands: map[string]MappingSpec{
			"A": {Params: []string{"string"}, Calls: []CallSpec{
				{Call: "configure", Args: map[string]string{"binH": "$0"}}}}}}},
	}
	for _, tc := range cases {
		if err := tc.tbl.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestValidateAcceptsIntBindingForFloatParameter(t *testing.T) {
	tbl := Table{Instrument: "X", Commands: map[string]MappingSpec{
		"A": {Params: []string{"int"}, Calls: []CallSpec{
			{Call: "configure", Args: map[string]string{"integrationTime": "$0"}}}}}}
	if err := tbl.Validate(); err != nil {
		t.Error("int positional rejected for a float parameter:", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	content := `instrument: MODS
commands:
  DOEXP:
    params: [float]
    calls:
      - call: configure
        args:
          integrationTime: $0
      - call: expose
  QUIT:
    calls:
      - call: abort
`
	dir := t.TempDir()
	path := filepath.Join(dir, "mods.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	tbl, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Instrument != "MODS" {
		t.Errorf("instrument %q, expected MODS", tbl.Instrument)
	}
	plan, err := tbl.Lookup("DOEXP", []string{"2.5"})
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].Args["integrationTime"] != "2.5" {
		t.Error("yaml-loaded table did not bind argument")
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	content := `instrument: MODS
commands:
  BAD:
    calls:
      - call: not-a-verb
`
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed table loaded without error")
	}
}
