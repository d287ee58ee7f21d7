// dhcpsrv is the DHCP server daemon: it loads the scope registry from the
// config directory, serves DHCP on the configured interfaces, and exposes
// prometheus metrics.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/log"
	"github.com/goofwear/DnsServer/internal/dhcpd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// appConfig is the daemon configuration file.
type appConfig struct {
	ConfigDir  string `yaml:"config_dir"`
	ServerName string `yaml:"server_name"`
	Workers    int    `yaml:"workers"`

	LogFile string `yaml:"log_file"`
	Verbose bool   `yaml:"verbose"`

	// MetricsAddr, when set, is the listen address of the prometheus
	// /metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Scopes are bootstrapped into the registry on startup when no scope of
	// the same name exists yet.
	Scopes []dhcpd.ScopeConfig `yaml:"scopes"`
}

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "dhcpsrv.yaml"

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "dhcpsrv",
		Short:         "Multi-scope DHCPv4 server with DNS zone integration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			return run(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file")

	if err := cmd.Execute(); err != nil {
		log.Error("dhcpsrv: %s", err)
		os.Exit(1)
	}
}

// configureLogger sets the log level and output per the configuration.
func configureLogger(conf *appConfig) {
	if conf.Verbose {
		log.SetLevel(log.DEBUG)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if conf.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   conf.LogFile,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		})
	}
}

// run is the daemon body: start the server, serve until a signal arrives.
func run(configPath string) (err error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	conf := &appConfig{}
	err = yaml.Unmarshal(data, conf)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	configureLogger(conf)

	srv, err := dhcpd.New(dhcpd.ServerConfig{
		ConfigDir:  conf.ConfigDir,
		ServerName: conf.ServerName,
		Workers:    conf.Workers,
	})
	if err != nil {
		return err
	}

	for i := range conf.Scopes {
		sc := conf.Scopes[i]
		if srv.GetScope(sc.Name) != nil {
			continue
		}

		_, err = srv.AddScope(&sc)
		if err != nil {
			return err
		}
	}

	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			merr := http.ListenAndServe(conf.MetricsAddr, mux)
			if merr != nil {
				log.Error("dhcpsrv: metrics listener: %s", merr)
			}
		}()
	}

	err = srv.Start()
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("dhcpsrv: shutting down")

	return srv.Stop()
}
