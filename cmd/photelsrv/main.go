package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goji.io"
	"goji.io/pat"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/photel/acquire"
	"github.jpl.nasa.gov/bdube/photel/dcam"
	"github.jpl.nasa.gov/bdube/photel/preview"
	"github.jpl.nasa.gov/bdube/photel/roi"
	"github.jpl.nasa.gov/bdube/photel/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/photel/stream"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "photel.yml"
	k              = koanf.New(".")
)

type cameraConfig struct {
	// Width and Height are the simulated sensor dimensions
	Width  int `yaml:"Width"`
	Height int `yaml:"Height"`

	// FrameInterval is the simulated frame period
	FrameInterval time.Duration `yaml:"FrameInterval"`

	// Fill is the uniform raw pixel value of simulated frames
	Fill uint16 `yaml:"Fill"`
}

type limitConfig struct {
	Min time.Duration `yaml:"Min"`
	Max time.Duration `yaml:"Max"`
}

type config struct {
	Addr            string                 `yaml:"Addr"`
	RegionFile      string                 `yaml:"RegionFile"`
	LogFile         string                 `yaml:"LogFile"`
	PreviewInterval time.Duration          `yaml:"PreviewInterval"`
	FrameTimeout    time.Duration          `yaml:"FrameTimeout"`
	TimeoutLimit    int                    `yaml:"TimeoutLimit"`
	Camera          cameraConfig           `yaml:"Camera"`
	Limits          map[string]limitConfig `yaml:"Limits"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr:            ":8000",
		RegionFile:      "rois.json",
		LogFile:         "measurements.fits",
		PreviewInterval: time.Second,
		FrameTimeout:    100 * time.Millisecond,
		TimeoutLimit:    50,
		Camera: cameraConfig{
			Width:         4096,
			Height:        2304,
			FrameInterval: 50 * time.Millisecond,
			Fill:          500,
		},
		Limits: map[string]limitConfig{
			string(dcam.ScanModeStandard):   {Min: 10 * time.Microsecond, Max: 10 * time.Second},
			string(dcam.ScanModeUltraQuiet): {Min: time.Millisecond, Max: 10 * time.Second},
		}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `photelsrv exposes control of a photoelectron counting camera over HTTP
This enables a server-client architecture,
and the clients can leverage the excellent HTTP
libraries for any programming language,
instead of custom socket logic.

Usage:
	photelsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `photelsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
There is no need to do this unless you want to start from the prepopulated defaults when making
a config file.

The Limits section holds the legal exposure range per scan mode.  These are
instrument data; consult the camera documentation before changing them.

Regions of interest are persisted to RegionFile as JSON and survive restarts.
Measurement logs are FITS binary tables, one HDU per channel, written to LogFile.

The live preview is served over a websocket at /preview/ws, one JPEG payload
per PreviewInterval at most.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
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
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("photelsrv version %v\n", Version)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)

	drv := dcam.NewSim(dcam.SimConfig{
		Width:         cfg.Camera.Width,
		Height:        cfg.Camera.Height,
		FrameInterval: cfg.Camera.FrameInterval,
		Fill:          cfg.Camera.Fill,
	})

	reg := roi.NewRegistry(cfg.RegionFile, cfg.Camera.Width, cfg.Camera.Height)
	if err := reg.Load(); err != nil {
		log.Printf("loading region store: %v", err)
	}
	log.Printf("loaded %d regions from %s", reg.Len(), cfg.RegionFile)

	hub := stream.NewHub()
	ren := preview.NewRenderer(cfg.Camera.Width, cfg.Camera.Height)
	pub := preview.NewPublisher(ren, hub, cfg.PreviewInterval)

	limits := acquire.Limits{}
	for mode, l := range cfg.Limits {
		limits[dcam.ScanMode(mode)] = acquire.ExposureBounds{Min: l.Min, Max: l.Max}
	}
	ctl := acquire.New(drv, reg, pub, acquire.Options{
		FrameTimeout: cfg.FrameTimeout,
		TimeoutLimit: cfg.TimeoutLimit,
		LogPath:      cfg.LogFile,
		Limits:       limits,
	})

	w := acquire.NewHTTPWrapper(ctl, reg)
	mux := goji.NewMux()
	w.RouteTable.Bind(mux)
	mux.HandleFunc(pat.Get("/preview/ws"), hub.Handler())
	lock := locker.New()
	locker.Inject(mux, lock)
	mux.Use(lock.Check)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down")
		if err := ctl.Stop(); err != nil {
			log.Printf("stopping acquisition: %v", err)
		}
		os.Exit(0)
	}()

	log.Println("now listening for requests at ", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, mux))
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
