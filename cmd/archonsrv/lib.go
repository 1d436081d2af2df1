package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/lbto/archonbridge/archon"
	"github.com/lbto/archonbridge/bridge"
	"github.com/lbto/archonbridge/camera"
	"github.com/lbto/archonbridge/cmdtable"
	"github.com/lbto/archonbridge/generichttp"
	"github.com/lbto/archonbridge/imgrec"
	"github.com/lbto/archonbridge/instrument"
	"github.com/lbto/archonbridge/server/middleware/locker"
)

// RecordSetup configures the automatic FITS recorder for one controller.
type RecordSetup struct {
	// Root is the folder recordings go under; empty disables recording
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix begins every recorded filename
	Prefix string `yaml:"Prefix" koanf:"Prefix"`
}

// ControllerSetup holds the args to stand up one controller's bridge.
type ControllerSetup struct {
	// Addr is the network address of the Archon, e.g. 192.168.1.2:4242
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the path the controller's routes are served under,
	// e.g. /mods1r
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Table is the path of the instrument command table YAML
	Table string `yaml:"Table" koanf:"Table"`

	// Listen, when set, is the address of the instrument ASCII listener
	Listen string `yaml:"Listen" koanf:"Listen"`

	// PollInterval is the hardware status probe cadence, e.g. "1s"
	PollInterval string `yaml:"PollInterval" koanf:"PollInterval"`

	Record RecordSetup `yaml:"Record" koanf:"Record"`
}

// Config holds the initialization parameters for the server.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Log is the path of a rotating log file; empty logs to stderr only
	Log string `yaml:"Log" koanf:"Log"`

	// Mock substitutes simulated controllers for real hardware
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// Controllers is the list of controllers to serve
	Controllers []ControllerSetup `yaml:"Controllers" koanf:"Controllers"`
}

// BuildMux stands up a bridge per configured controller and mounts them all
// on one chi router.  The router serves /endpoints, a JSON map of every
// mounted route.
func BuildMux(c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	for _, node := range c.Controllers {
		var ctl camera.Controller
		if c.Mock {
			ctl = archon.NewSim()
		} else {
			interval := time.Second
			if node.PollInterval != "" {
				d, err := time.ParseDuration(node.PollInterval)
				if err != nil {
					log.Fatalf("controller %s: bad PollInterval: %v", node.Endpoint, err)
				}
				interval = d
			}
			ctl = archon.New(node.Addr, interval)
		}

		var tbl *cmdtable.Table
		if node.Table != "" {
			var err error
			tbl, err = cmdtable.Load(node.Table)
			if err != nil {
				log.Fatalf("controller %s: %v", node.Endpoint, err)
			}
		}

		d := bridge.New(tbl, camera.New(ctl))

		var rec *imgrec.Recorder
		if node.Record.Root != "" {
			rec = &imgrec.Recorder{
				Root:    node.Record.Root,
				Prefix:  node.Record.Prefix,
				Enabled: true,
			}
			rec.Incr()
		}
		httper := bridge.NewHTTPWrapper(d, rec)

		if node.Listen != "" {
			l, err := instrument.NewListener(node.Listen, d)
			if err != nil {
				log.Fatalf("controller %s: instrument listener: %v", node.Endpoint, err)
			}
			log.Println("instrument listener for", node.Endpoint, "at", l.Addr())
		}

		lock := locker.New()
		locker.Inject(httper, lock)

		stem := generichttp.SubMuxSanitize(node.Endpoint)
		supergraph[stem] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(stem, r)
	}

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(supergraph); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
