// Package config parses the tracker's startup parameters: flags, with
// defaults seeded from environment variables and an optional .env file, the
// same layering pico-tracker's parseFlags uses, extended with godotenv the
// way dmoerner-etracker's config.BuildConfig loads one before falling back
// to the process environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults the tracker starts with when nothing else is configured.
const (
	DefaultBindAddr         = "0.0.0.0"
	DefaultPort             = 8080
	DefaultWorkers          = 4
	DefaultSockBufBytes     = 5 * 1024 * 1024
	DefaultAllowAlternateIP = false
	fallbackSecret          = "coreswarm-tracker-default-secret-do-not-use-in-production"
)

// Config holds everything the dispatcher and lifecycle loop need at
// startup.
type Config struct {
	BindAddr         string
	Port             int
	Workers          int
	SockBufBytes     int
	AllowAlternateIP bool
	Secret           string
	Debug            bool
}

// Load reads a .env file if present (a missing file is silently ignored;
// any other .env error is returned), then parses flags with env-seeded
// defaults.
// args is normally os.Args[1:].
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}

	bindAddr := envString("TRACKER_BIND_ADDR", DefaultBindAddr)
	port := envInt("TRACKER_PORT", DefaultPort)
	workers := envInt("TRACKER_WORKERS", DefaultWorkers)
	sockBuf := envInt("TRACKER_SOCKBUF", DefaultSockBufBytes)
	allowAlt := envBool("TRACKER_ALLOW_ALTERNATE_IP", DefaultAllowAlternateIP)
	secret := envString("TRACKER_SECRET", "")
	debug := envBool("TRACKER_DEBUG", false)

	fs := flag.NewFlagSet("tracker", flag.ExitOnError)
	bindAddrFlag := fs.String("bind", bindAddr, "IPv4 address to bind [env TRACKER_BIND_ADDR]")
	portFlag := fs.Int("port", port, "UDP port to listen on [env TRACKER_PORT]")
	fs.IntVar(portFlag, "p", port, "alias to -port")
	workersFlag := fs.Int("workers", workers, "number of dispatcher workers [env TRACKER_WORKERS]")
	sockBufFlag := fs.Int("sockbuf", sockBuf, "socket send/receive buffer size in bytes [env TRACKER_SOCKBUF]")
	allowAltFlag := fs.Bool("allow-alternate-ip", allowAlt,
		"honor the announce request's ip field instead of the source IP (spoofable; off by default) [env TRACKER_ALLOW_ALTERNATE_IP]")
	secretFlag := fs.String("secret", "", "configured secret; the connection-id oracle does not use it and draws a random secret at startup [env TRACKER_SECRET]")
	debugFlag := fs.Bool("debug", debug, "enable debug logging [env TRACKER_DEBUG]")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\ncoreswarm-tracker: BEP-15 UDP BitTorrent tracker\n\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if *secretFlag == "" {
		*secretFlag = secret
	}
	if *secretFlag == "" {
		*secretFlag = fallbackSecret
	}

	return Config{
		BindAddr:         *bindAddrFlag,
		Port:             *portFlag,
		Workers:          *workersFlag,
		SockBufBytes:     *sockBufFlag,
		AllowAlternateIP: *allowAltFlag,
		Secret:           *secretFlag,
		Debug:            *debugFlag,
	}, nil
}

// IsFallbackSecret reports whether cfg is still using the built-in default
// secret, so main can warn the way pico-tracker does.
func (c Config) IsFallbackSecret() bool {
	return c.Secret == fallbackSecret
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
