package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caracaldb/internal/codec"
	"caracaldb/internal/configuration"
	"caracaldb/internal/logging"
	"caracaldb/internal/metrics"
	"caracaldb/internal/paxos"
	"caracaldb/internal/replica"
	"caracaldb/internal/storage"
	"caracaldb/internal/transport"
	"caracaldb/internal/view"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a replica",
	Long: `Start a replica from the YAML configuration in --config-dir. Flags and
CARACAL_<FLAG> environment variables (e.g. CARACAL_DATA_DIR) override the
file.`,
	PreRunE: bindFlags,
	RunE:    serve,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := serveCmd.Flags()
	f.String("config-dir", "config", "directory holding application.yml and its profile overlays")
	f.String("profile", "", "configuration profile to overlay")
	f.String("address", "", "listen address, also the identity of this replica in views")
	f.String("data-dir", "", "directory for the store and the consensus log")
	f.StringSlice("bootstrap", nil, "founding members of a new group, this replica included")
	f.Bool("join", false, "start passive and wait to be added by a reconfiguration")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("storage-engine", "", "pebble or memory")
	f.String("metrics-address", "", "address of the /metrics, /health and /status endpoints")
}

func initConfig() {
	if err := configuration.LoadDotEnv("."); err != nil {
		slog.Warn("failed to load .env files", "error", err)
	}
	viper.SetEnvPrefix("caracal")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// loadProperties reads the YAML files and lays explicitly set flags and
// environment variables over them.
func loadProperties() (*configuration.Properties, error) {
	props, err := configuration.Load(viper.GetString("config-dir"), viper.GetString("profile"))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("address"); v != "" {
		props.Node.Address = v
	}
	if v := viper.GetString("data-dir"); v != "" {
		props.Node.DataDir = v
	}
	if v := viper.GetStringSlice("bootstrap"); len(v) > 0 {
		props.Node.Bootstrap = v
	}
	if viper.GetBool("join") {
		props.Node.Join = true
	}
	if v := viper.GetString("log-level"); v != "" {
		props.App.LogLevel = v
	}
	if v := viper.GetString("storage-engine"); v != "" {
		props.Storage.Engine = v
	}
	if v := viper.GetString("metrics-address"); v != "" {
		props.Metrics.Address = v
	}
	return props, props.Validate()
}

func serve(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	props, err := loadProperties()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logging.Init(props.App.LogLevel)
	slog.Info("starting caracaldb", "version", Version, "address", props.Node.Address, "profile", props.App.Profile)

	ser, err := codec.ByName(props.App.Serializer)
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Error("shutdown error", "error", err)
			}
		}
	}()

	store, err := openStore(props)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	wal, err := paxos.OpenWAL(filepath.Join(props.Node.DataDir, "wal"), props.Paxos.Wal.NoSync, ser)
	if err != nil {
		return err
	}
	closers = append(closers, wal)

	tr, err := transport.NewGRPC(transport.GRPCConfig{
		Network:              props.Transport.Network,
		Address:              view.Address(props.Node.Address),
		Timeout:              props.Transport.Timeout,
		MaxConcurrentStreams: props.Transport.MaxConcurrentStreams,
		SendQueueSize:        props.Transport.SendQueueSize,
		InboxSize:            props.Paxos.InboxSize,
	})
	if err != nil {
		return err
	}
	closers = append(closers, tr)

	r := replica.New(replica.NewConfigFromProperties(props), tr, store, wal, ser)
	if err := r.Start(founders(props)); err != nil {
		return fmt.Errorf("start replica: %w", err)
	}

	var ms *metrics.Server
	if props.Metrics.Enabled {
		ms = metrics.NewServer(props.Metrics.Address, r.Healthy, func(ctx context.Context) (any, error) {
			return r.Status(ctx)
		})
		if err := ms.Start(); err != nil {
			r.Stop()
			return err
		}
	}

	slog.Info("caracaldb ready", "address", tr.Addr())
	<-ctx.Done()
	slog.Info("shutting down caracaldb")

	if ms != nil {
		ms.Stop()
	}
	r.Stop()
	return nil
}

func openStore(props *configuration.Properties) (storage.Store, error) {
	switch props.Storage.Engine {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "pebble":
		return storage.OpenPebble(filepath.Join(props.Node.DataDir, "store"), storage.PebbleOptions{NoSync: props.Storage.NoSync})
	default:
		return nil, errors.New("unknown storage engine " + props.Storage.Engine)
	}
}

func founders(props *configuration.Properties) view.View {
	if props.Node.Join || len(props.Node.Bootstrap) == 0 {
		return view.View{}
	}
	members := make([]view.Address, 0, len(props.Node.Bootstrap))
	for _, m := range props.Node.Bootstrap {
		members = append(members, view.Address(strings.TrimSpace(m)))
	}
	return view.New(0, members...)
}
