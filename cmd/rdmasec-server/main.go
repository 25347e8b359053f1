// Command rdmasec-server runs the multi-client RDMA connection-establishment
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-rdmasec/rdmasec"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help         bool
	Addr         string
	MaxClients   int
	CertFile     string
	KeyFile      string
	ClientCAFile string
	RdmaDevice   string
	LogLevel     string
	LogPretty    bool
	MetricsAddr  string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.Addr, "tls-port", "", "Address to listen on for the TLS control channel (overrides RDMASEC_ADDR)")
	pflag.IntVar(&opt.MaxClients, "max-clients", 0, "Maximum concurrently admitted sessions (overrides RDMASEC_MAX_CLIENTS)")
	pflag.StringVar(&opt.CertFile, "cert", "", "Server TLS certificate (overrides RDMASEC_CERT_FILE)")
	pflag.StringVar(&opt.KeyFile, "key", "", "Server TLS key (overrides RDMASEC_KEY_FILE)")
	pflag.StringVar(&opt.ClientCAFile, "client-ca", "", "CA to verify client certificates against; enables mutual TLS (overrides RDMASEC_CLIENT_CA_FILE)")
	pflag.StringVar(&opt.RdmaDevice, "rdma-device", "", "Name of the software RDMA device to open (overrides RDMASEC_RDMA_DEVICE)")
	pflag.StringVar(&opt.LogLevel, "log-level", "", "Minimum log level (overrides RDMASEC_LOG_LEVEL)")
	pflag.BoolVar(&opt.LogPretty, "log-pretty", false, "Use console-formatted logs instead of JSON")
	pflag.StringVar(&opt.MetricsAddr, "metrics-addr", "", "Address to expose Prometheus metrics on (overrides RDMASEC_METRICS_ADDR)")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var c rdmasec.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	applyServerFlags(&c)

	srv, err := rdmasec.NewServer(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: run server: %v\n", err)
		os.Exit(1)
	}
}

// applyServerFlags overrides config fields for every flag the user actually
// set, leaving env-sourced values alone otherwise.
func applyServerFlags(c *rdmasec.Config) {
	if opt.Addr != "" {
		c.Addr = opt.Addr
	}
	if opt.MaxClients != 0 {
		c.MaxClients = opt.MaxClients
	}
	if opt.CertFile != "" {
		c.CertFile = opt.CertFile
	}
	if opt.KeyFile != "" {
		c.KeyFile = opt.KeyFile
	}
	if opt.ClientCAFile != "" {
		c.ClientCAFile = opt.ClientCAFile
	}
	if opt.RdmaDevice != "" {
		c.RdmaDevice = opt.RdmaDevice
	}
	if opt.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(opt.LogLevel); err == nil {
			c.LogLevel = lvl
		}
	}
	if opt.LogPretty {
		c.LogPretty = true
	}
	if opt.MetricsAddr != "" {
		c.MetricsAddr = opt.MetricsAddr
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
