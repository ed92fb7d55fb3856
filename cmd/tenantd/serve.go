package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/loykin/tenantd"
	"github.com/spf13/cobra"
)

// ServeFlags holds the flags accepted by the serve command. Flags that were
// explicitly set override values from the config file.
type ServeFlags struct {
	ConfigPath    string
	Host          string
	Port          int
	AdminKey      string
	DisableAuth   bool
	AutoCreate    bool
	RootPath      string
	DataRoot      string
	LogRoot       string
	WorkerCommand string
	BasePort      int
	StoreType     string
	StorePath     string
	StoreDSN      string
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:     "tenantd",
		Short:   "Multi-tenant worker gateway and supervisor",
		Version: version,
	}
	root.AddCommand(createServeCommand(&ServeFlags{}))
	return root
}

func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, starting a worker per registered workspace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, flags)
			if err != nil {
				return err
			}
			d, err := tenantd.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.ConfigPath, "config", "c", "", "path to TOML config file")
	f.StringVar(&flags.Host, "host", "", "listen address")
	f.IntVar(&flags.Port, "port", 0, "listen port")
	f.StringVar(&flags.AdminKey, "admin-key", "", "key required on /admin endpoints")
	f.BoolVar(&flags.DisableAuth, "disable-auth", false, "route by X-Workspace header instead of api keys")
	f.BoolVar(&flags.AutoCreate, "auto-create", false, "create unknown workspaces on first request")
	f.StringVar(&flags.RootPath, "root-path", "", "external path prefix forwarded to workers")
	f.StringVar(&flags.DataRoot, "data-root", "", "directory for per-workspace working directories")
	f.StringVar(&flags.LogRoot, "log-root", "", "directory for per-workspace log files")
	f.StringVar(&flags.WorkerCommand, "worker-command", "", "shell command that starts one worker")
	f.IntVar(&flags.BasePort, "base-port", 0, "first port considered for worker allocation")
	f.StringVar(&flags.StoreType, "store", "", "registry backend: memory, sqlite, or postgres")
	f.StringVar(&flags.StorePath, "db-path", "", "sqlite database path")
	f.StringVar(&flags.StoreDSN, "dsn", "", "postgres connection string")
	return cmd
}

// resolveConfig layers: defaults, then the config file, then explicit flags.
func resolveConfig(cmd *cobra.Command, flags *ServeFlags) (tenantd.Config, error) {
	cfg := tenantd.Defaults()
	if flags.ConfigPath != "" {
		loaded, err := tenantd.LoadConfig(flags.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	set := cmd.Flags().Changed
	if set("host") {
		cfg.Host = flags.Host
	}
	if set("port") {
		cfg.Port = flags.Port
	}
	if set("admin-key") {
		cfg.AdminKey = flags.AdminKey
	}
	if set("disable-auth") {
		cfg.DisableAuth = flags.DisableAuth
	}
	if set("auto-create") {
		cfg.AutoCreate = flags.AutoCreate
	}
	if set("root-path") {
		cfg.RootPath = flags.RootPath
	}
	if set("data-root") {
		cfg.DataRoot = flags.DataRoot
	}
	if set("log-root") {
		cfg.LogRoot = flags.LogRoot
	}
	if set("worker-command") {
		cfg.Worker.Command = flags.WorkerCommand
	}
	if set("base-port") {
		cfg.Worker.BasePort = flags.BasePort
	}
	if set("store") {
		cfg.Store.Type = flags.StoreType
	}
	if set("db-path") {
		cfg.Store.Path = flags.StorePath
	}
	if set("dsn") {
		cfg.Store.DSN = flags.StoreDSN
	}
	return cfg, cfg.Validate()
}
