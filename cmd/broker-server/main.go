package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sauerbraten/jsonfile"

	"github.com/pairbroker/broker/internal/brokerlog"
	"github.com/pairbroker/broker/internal/brokermetrics"
	"github.com/pairbroker/broker/internal/broker"
	"github.com/pairbroker/broker/internal/chainclient"
	"github.com/pairbroker/broker/internal/dispatcher"
	"github.com/pairbroker/broker/internal/pprofutil"
	"github.com/pairbroker/broker/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runServe(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "metrics":
		return runMetrics(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: broker-server <run|status|metrics> [args]")
	fmt.Fprintln(w, "  run     --config <path> [--debug]")
	fmt.Fprintln(w, "  status  --config <path>")
	fmt.Fprintln(w, "  metrics --config <path>")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".pairbroker")
}

// fileConfig is the on-disk shape read via jsonfile, which tolerates
// "//" line comments the way the broker operator's hand-edited config
// files tend to accumulate.
type fileConfig struct {
	Port            int    `json:"port"`
	ProjectID       string `json:"project_id"`
	SecretCode      string `json:"secret_code"`
	Fields          string `json:"fields"`
	SSLCertPath     string `json:"ssl_cert_path"`
	SSLKeyPath      string `json:"ssl_key_path"`
	RPCEndpoint     string `json:"rpc_endpoint"`
	ContractAddress string `json:"contract_address"`
	AuditPath       string `json:"audit_path"`
	MetricsPath     string `json:"metrics_path"`
}

func defaultConfigPath() string {
	return filepath.Join(homeDir(), "config.json")
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if err := jsonfile.ParseFile(path, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if cfg.Port == 0 {
		cfg.Port = broker.DefaultPort
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = filepath.Join(homeDir(), "metrics.json")
	}
	return cfg, nil
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to broker config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("PAIRBROKER_DEBUG", "1")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(homeDir(), 0700); err != nil {
		fmt.Fprintf(stderr, "create home dir: %v\n", err)
		return 1
	}

	var ssl *transport.TLSMaterial
	if cfg.SSLCertPath != "" && cfg.SSLKeyPath != "" {
		certPEM, err := os.ReadFile(cfg.SSLCertPath)
		if err != nil {
			fmt.Fprintf(stderr, "read ssl cert: %v\n", err)
			return 1
		}
		keyPEM, err := os.ReadFile(cfg.SSLKeyPath)
		if err != nil {
			fmt.Fprintf(stderr, "read ssl key: %v\n", err)
			return 1
		}
		ssl = &transport.TLSMaterial{CertPEM: certPEM, KeyPEM: keyPEM}
	}

	if cfg.RPCEndpoint == "" || cfg.ContractAddress == "" {
		fmt.Fprintln(stderr, "config: rpc_endpoint and contract_address are required")
		return 1
	}
	chain := chainclient.NewRPCCaller(cfg.RPCEndpoint, cfg.ContractAddress, nil)

	opts := broker.Options{
		Debug:      *debug,
		Port:       cfg.Port,
		ProjectID:  cfg.ProjectID,
		SecretCode: cfg.SecretCode,
		Fields:     cfg.Fields,
		SSL:        ssl,
		Chain:      chain,
		AuditPath:  cfg.AuditPath,
		MetricsPath: cfg.MetricsPath,
		OnSuccess: func(r dispatcher.AuthResult) (dispatcher.SuccessResponse, error) {
			// The reference application layer mints its own project
			// token here; absent a wired relying-party callback, the
			// broker returns the authenticated alias as both fields
			// so the widget still receives a usable session handle.
			return dispatcher.SuccessResponse{Token: r.Alias, LinkedID: r.Alias}, nil
		},
	}

	b, err := broker.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "broker: %v\n", err)
		return 1
	}

	if err := pprofutil.StartFromEnv(stderr, func() any { return b.Metrics() }); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "READY addr=%s project_id=%s\n", b.Addr(), cfg.ProjectID)
	brokerlog.Logf("broker-server: listening on %s", b.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to broker config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap := readMetricsSnapshot(cfg.MetricsPath)
	fmt.Fprintln(stdout, "Broker status (last written snapshot, not live):")
	fmt.Fprintf(stdout, "  sessions created: %d\n", snap.Sessions.Created)
	fmt.Fprintf(stdout, "  auth succeeded:   %d\n", snap.Sessions.AuthSucceeded)
	fmt.Fprintf(stdout, "  auth failed:      %d\n", snap.Sessions.AuthFailed)
	fmt.Fprintf(stdout, "  auth declined:    %d\n", snap.Sessions.AuthDeclined)
	fmt.Fprintf(stdout, "  timed out:        %d\n", snap.Sessions.TimedOut)
	fmt.Fprintf(stdout, "  connection failed:%d\n", snap.Sessions.ConnectionFailed)
	fmt.Fprintf(stdout, "  current sessions: %d\n", snap.CurrentSessions)
	return 0
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath(), "path to broker config file")
	n := fs.Int("n", 20, "max recent outcomes to show")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap := readMetricsSnapshot(cfg.MetricsPath)
	recent := snap.Recent
	if *n > 0 && len(recent) > *n {
		recent = recent[len(recent)-*n:]
	}
	for _, h := range recent {
		fmt.Fprintf(stdout, "session=%s outcome=%s at=%s\n", h.SessionID, h.Outcome, h.At.Format("15:04:05"))
	}
	return 0
}

func readMetricsSnapshot(path string) brokermetrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return brokermetrics.Snapshot{}
	}
	var snap brokermetrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return brokermetrics.Snapshot{}
	}
	return snap
}
