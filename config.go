package rdmasec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the server's configuration. The env struct tag contains the
// environment variable name and the default value if missing, or empty (if
// not ?=).
type Config struct {
	// The address to listen on for the TLS control channel.
	Addr string `env:"RDMASEC_ADDR=:4433"`

	// The maximum number of concurrently admitted sessions.
	MaxClients int `env:"RDMASEC_MAX_CLIENTS=10"`

	// Paths to the server's TLS certificate and key (PEM).
	CertFile string `env:"RDMASEC_CERT_FILE"`
	KeyFile  string `env:"RDMASEC_KEY_FILE"`

	// If set, a PEM file of CA certificates clients must chain to. Setting
	// this also requires client certificates; whether to require client
	// auth is a policy toggle, not a fixed requirement.
	ClientCAFile string `env:"RDMASEC_CLIENT_CA_FILE"`

	// Send/receive completion queue depth per session.
	CQDepth int `env:"RDMASEC_CQ_DEPTH=10"`

	// Size in bytes of each of the two per-session pinned buffers.
	BufferSize int `env:"RDMASEC_BUFFER_SIZE=4096"`

	// Path MTU advertised at the RTR transition.
	PathMTU int `env:"RDMASEC_PATH_MTU=1024"`

	// Name of the software RDMA device to open, for log/metric labeling
	// when a host simulates more than one.
	RdmaDevice string `env:"RDMASEC_RDMA_DEVICE=rdmasec0"`

	// Disconnect handshake timers.
	DisconnectInitiatorTimeout time.Duration `env:"RDMASEC_DISCONNECT_INITIATOR_TIMEOUT=5s"`
	DisconnectResponderTimeout time.Duration `env:"RDMASEC_DISCONNECT_RESPONDER_TIMEOUT=3s"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"RDMASEC_LOG_LEVEL=info"`

	// Whether to use pretty (console) logs instead of JSON.
	LogPretty bool `env:"RDMASEC_LOG_PRETTY"`

	// If set, an address to expose Prometheus-format metrics on.
	MetricsAddr string `env:"RDMASEC_METRICS_ADDR"`
}

// UnmarshalEnv unmarshals an array of "KEY=VALUE" environment variable
// strings into c, setting default values as appropriate. If incremental is
// true, default values are not set for vars missing from es, only for vars
// present but empty.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	return unmarshalEnv(reflect.ValueOf(c).Elem(), es, incremental)
}

// UnmarshalEnv unmarshals client configuration the same way Config does.
func (c *ClientConfig) UnmarshalEnv(es []string, incremental bool) error {
	return unmarshalEnv(reflect.ValueOf(c).Elem(), es, incremental)
}

func unmarshalEnv(cv reflect.Value, es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "RDMASEC_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("env %s: unsupported field type %s", key, cvf.Type())
		}
	}
	return nil
}

// ClientConfig holds the client's configuration.
type ClientConfig struct {
	ServerAddr string `env:"RDMASEC_SERVER_ADDR"`
	ServerName string `env:"RDMASEC_SERVER_NAME"`

	CertFile string `env:"RDMASEC_CERT_FILE"`
	KeyFile  string `env:"RDMASEC_KEY_FILE"`
	CAFile   string `env:"RDMASEC_CA_FILE"`

	CQDepth    int `env:"RDMASEC_CQ_DEPTH=10"`
	BufferSize int `env:"RDMASEC_BUFFER_SIZE=4096"`
	PathMTU    int `env:"RDMASEC_PATH_MTU=1024"`

	RdmaDevice string `env:"RDMASEC_RDMA_DEVICE=rdmasec0"`

	DisconnectInitiatorTimeout time.Duration `env:"RDMASEC_DISCONNECT_INITIATOR_TIMEOUT=5s"`
	DisconnectResponderTimeout time.Duration `env:"RDMASEC_DISCONNECT_RESPONDER_TIMEOUT=3s"`

	LogLevel  zerolog.Level `env:"RDMASEC_LOG_LEVEL=info"`
	LogPretty bool          `env:"RDMASEC_LOG_PRETTY"`
}
