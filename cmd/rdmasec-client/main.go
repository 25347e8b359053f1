// Command rdmasec-client connects to an rdmasec-server, opens an RC queue
// pair over it, and runs a demo send/echo exchange before disconnecting.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-rdmasec/rdmasec"
	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var opt struct {
	Help       bool
	ServerAddr string
	ServerName string
	CertFile   string
	KeyFile    string
	CAFile     string
	RdmaDevice string
	LogLevel   string
	LogPretty  bool
	Message    string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.ServerAddr, "server-host", "", "Server host:port to dial (overrides RDMASEC_SERVER_ADDR)")
	pflag.StringVar(&opt.ServerName, "server-name", "", "Expected server name for TLS verification (overrides RDMASEC_SERVER_NAME)")
	pflag.StringVar(&opt.CertFile, "cert", "", "Client TLS certificate (overrides RDMASEC_CERT_FILE)")
	pflag.StringVar(&opt.KeyFile, "key", "", "Client TLS key (overrides RDMASEC_KEY_FILE)")
	pflag.StringVar(&opt.CAFile, "ca", "", "CA to verify the server against (overrides RDMASEC_CA_FILE)")
	pflag.StringVar(&opt.RdmaDevice, "rdma-device", "", "Name of the software RDMA device to open (overrides RDMASEC_RDMA_DEVICE)")
	pflag.StringVar(&opt.LogLevel, "log-level", "", "Minimum log level (overrides RDMASEC_LOG_LEVEL)")
	pflag.BoolVar(&opt.LogPretty, "log-pretty", false, "Use console-formatted logs instead of JSON")
	pflag.StringVar(&opt.Message, "message", "hello", "Payload to send for the demo echo")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
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

	var c rdmasec.ClientConfig
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	applyClientFlags(&c)

	client, err := rdmasec.NewClient(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	sess, err := client.Connect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	echoed, err := rdmasec.RunEcho(ctx, sess, []byte(opt.Message))
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: echo: %v\n", err)
	} else {
		fmt.Printf("echoed: %q\n", echoed)
	}

	if err := client.Disconnect(sess); err != nil {
		fmt.Fprintf(os.Stderr, "error: disconnect: %v\n", err)
		os.Exit(1)
	}
}

func applyClientFlags(c *rdmasec.ClientConfig) {
	if opt.ServerAddr != "" {
		c.ServerAddr = opt.ServerAddr
	}
	if opt.ServerName != "" {
		c.ServerName = opt.ServerName
	}
	if opt.CertFile != "" {
		c.CertFile = opt.CertFile
	}
	if opt.KeyFile != "" {
		c.KeyFile = opt.KeyFile
	}
	if opt.CAFile != "" {
		c.CAFile = opt.CAFile
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
