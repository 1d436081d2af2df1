// archonctl takes an exposure against a running archonsrv and writes the
// FITS to disk.  It is the operator's sanity check that a controller is
// cabled, timed, and reading out.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/theckman/yacspin"
)

var (
	server = flag.String("server", "http://localhost:8000/camera", "URL stem of the controller on archonsrv")
	texp   = flag.Float64("texp", 1, "integration time, seconds")
	binH   = flag.Int("binh", 1, "horizontal binning factor")
	binV   = flag.Int("binv", 1, "vertical binning factor")
	gain   = flag.String("gain", "low", "gain mode, one of low|high|hdr")
	object = flag.String("object", "", "object tag recorded in the FITS header")
	out    = flag.String("o", "image.fits", "output filename")
)

// status mirrors the JSON served at /status; only the fields the poll loop
// cares about.
type status struct {
	State      string `json:"state"`
	FrameReady bool   `json:"frameReady"`
	LastError  string `json:"lastError"`
}

func post(url string, body interface{}) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

func getStatus(url string) (status, error) {
	var s status
	resp, err := http.Get(url)
	if err != nil {
		return s, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return s, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	err = json.NewDecoder(resp.Body).Decode(&s)
	return s, err
}

func main() {
	flag.Parse()
	stem := strings.TrimRight(*server, "/")

	params := map[string]interface{}{
		// integration time rides the wire as a time.Duration (nanoseconds)
		"integrationTime": time.Duration(*texp * float64(time.Second)),
		"binning":         map[string]int{"h": *binH, "v": *binV},
		"gainMode":        *gain,
	}
	if *object != "" {
		params["tag"] = *object
	}
	if err := post(stem+"/configure", params); err != nil {
		log.Fatal("configure: ", err)
	}
	if err := post(stem+"/expose", nil); err != nil {
		log.Fatal("expose: ", err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " exposing",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	for {
		s, err := getStatus(stem + "/status")
		if err != nil {
			spinner.StopFail()
			log.Fatal("status: ", err)
		}
		if s.State == "Error" {
			spinner.StopFail()
			log.Fatal("controller fault: ", s.LastError)
		}
		spinner.Message(s.State)
		if s.FrameReady {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	spinner.Stop()

	resp, err := http.Get(stem + "/image?fmt=fits")
	if err != nil {
		log.Fatal("image: ", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		log.Fatalf("image: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	n, err := io.Copy(f, resp.Body)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *out, n)
}
