package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "archonsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:        ":8000",
		Controllers: []ControllerSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `archonsrv bridges instrument control software to Archon CCD controllers
over HTTP and, optionally, the instrument's native line-oriented socket
protocol.  Clients can drive exposures from any language with an HTTP library.

Usage:
	archonsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `archonsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the server will close immediately and display an error
that there are no controllers.

No two controllers can have the same Endpoint.

Endpoints may look like any variation between "mods1r" or "/mods1r/*", the
leading and trailing slashes, as well as the *, are added by the server if
missing.

Each controller takes:
- Addr          network address of the Archon, e.g. 192.168.1.2:4242
- Endpoint      URL stem its routes are served under
- Table         path to the instrument command table YAML (optional)
- Listen        address for the instrument ASCII listener (optional)
- PollInterval  hardware status probe cadence, e.g. "1s"
- Record        { Root, Prefix } for automatic FITS recording (optional)

Set Mock: true at the top level to run against simulated controllers with no
hardware attached.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("archonsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if c.Log != "" {
		sink := &lumberjack.Logger{
			Filename:   c.Log,
			MaxSize:    50, // MB
			MaxBackups: 10,
			MaxAge:     60, // days
		}
		log.SetOutput(io.MultiWriter(os.Stderr, sink))
	}
	mux := BuildMux(c)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
