package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/client"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/lockgov/lang"
	"pkt.systems/lockgov/topology"
	"pkt.systems/pslog"
)

const (
	clientServerKey      = "client.server"
	clientTopologyKey    = "client.topology"
	clientTimeoutKey     = "client.timeout"
	clientHostKey        = "client.host"
	clientCorrelationKey = "client.correlation_id"
	clientLogLevelKey    = "client.log_level"

	defaultClientServer = "http://127.0.0.1:9441"
)

type clientCLIConfig struct {
	baseLogger    pslog.Logger
	loaded        bool
	server        string
	topologyPath  string
	timeout       time.Duration
	clientHost    string
	correlationID string
	logger        pslog.Logger
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"c"},
		Short:   "Talk to running lockgov governors",
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "governor base URL for status, tables and end-session")
	flags.StringP("topology", "t", "", "topology YAML file used to resolve zone governors for ping and exec")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "per-request HTTP timeout")
	flags.String("client-host", "", "host name embedded in session IDs (defaults to the machine host name)")
	flags.String("correlation-id", "", "correlation ID sent with every request")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, "LOCKGOV_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTopologyKey, "LOCKGOV_CLIENT_TOPOLOGY", flags.Lookup("topology"))
	mustBindFlag(clientTimeoutKey, "LOCKGOV_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientHostKey, "LOCKGOV_CLIENT_HOST", flags.Lookup("client-host"))
	mustBindFlag(clientCorrelationKey, "LOCKGOV_CLIENT_CORRELATION_ID", flags.Lookup("correlation-id"))
	mustBindFlag(clientLogLevelKey, "LOCKGOV_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newClientStatusCommand(cfg),
		newClientTablesCommand(cfg),
		newClientEndSessionCommand(cfg),
		newClientPingCommand(cfg),
		newClientExecCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	endpoint, err := client.NormalizeEndpoint(server)
	if err != nil {
		return err
	}
	c.server = endpoint
	c.topologyPath = strings.TrimSpace(viper.GetString(clientTopologyKey))
	c.timeout = viper.GetDuration(clientTimeoutKey)
	if c.timeout <= 0 {
		c.timeout = client.DefaultHTTPTimeout
	}
	c.clientHost = strings.TrimSpace(viper.GetString(clientHostKey))
	if raw := strings.TrimSpace(viper.GetString(clientCorrelationKey)); raw != "" {
		id, ok := client.NormalizeCorrelationID(raw)
		if !ok {
			return fmt.Errorf("invalid correlation id %q", raw)
		}
		c.correlationID = id
	}
	logger, err := c.clientLogger(viper.GetString(clientLogLevelKey))
	if err != nil {
		return err
	}
	c.logger = logger
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) clientLogger(levelStr string) (pslog.Logger, error) {
	levelStr = strings.ToLower(strings.TrimSpace(levelStr))
	switch levelStr {
	case "", "none", "off", "disabled":
		return pslog.NoopLogger(), nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", levelStr)
	}
	return loggingutil.WithSubsystem(loggingutil.EnsureLogger(c.baseLogger).LogLevel(level), "cli.client"), nil
}

func (c *clientCLIConfig) context(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	if c.correlationID != "" {
		return client.WithCorrelationID(parent, c.correlationID)
	}
	return parent
}

func (c *clientCLIConfig) newClient() *client.Client {
	return client.New(client.WithHTTPTimeout(c.timeout), client.WithLogger(c.logger))
}

func (c *clientCLIConfig) newManager() *client.Manager {
	return client.NewManager(
		client.WithClient(c.newClient()),
		client.WithManagerLogger(c.logger),
		client.WithClientHost(c.clientHost),
	)
}

func (c *clientCLIConfig) resolver() (*topology.FileResolver, error) {
	if c.topologyPath == "" {
		return nil, errors.New("topology file required (specify --topology/-t or export LOCKGOV_CLIENT_TOPOLOGY)")
	}
	path, err := expandPath(c.topologyPath)
	if err != nil {
		return nil, fmt.Errorf("expand topology path: %w", err)
	}
	return topology.NewFileResolver(path, topology.WithoutWatch(), topology.WithLogger(c.logger))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClientStatusCommand(cfg *clientCLIConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a governor's trust level, sessions and namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			st, err := cfg.newClient().Status(cfg.context(cmd.Context()), cfg.server)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), st)
			}
			return printStatus(cmd.OutOrStdout(), st, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	return cmd
}

func printStatus(w io.Writer, st *api.StatusResponse, now time.Time) error {
	started := time.Unix(st.StartedUnix, 0)
	state := "serving"
	if st.Draining {
		state = "draining"
	}
	namespaces := "-"
	if len(st.Namespaces) > 0 {
		namespaces = strings.Join(st.Namespaces, ", ")
	}
	_, err := fmt.Fprintf(w,
		"host:        %s\nstate:       %s\nstarted:     %s (%s)\ntrust level: %.3f\nsessions:    %s\nvariables:   %s\nnamespaces:  %s\n",
		st.Host,
		state,
		started.UTC().Format(time.RFC3339),
		humanize.RelTime(started, now, "ago", "from now"),
		st.TrustLevel,
		humanize.Comma(int64(st.Sessions)),
		humanize.Comma(int64(st.Variables)),
		namespaces,
	)
	return err
}

func newClientTablesCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "tables NAMESPACE",
		Short: "Dump the tables of a namespace as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			res, err := cfg.newClient().Tables(cfg.context(cmd.Context()), cfg.server, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newClientEndSessionCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "end-session SESSION_ID",
		Short: "End a session ({uuid}@host) and purge the variables it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.load(); err != nil {
				return err
			}
			id, err := api.ParseLockSessionID(args[0])
			if err != nil {
				return err
			}
			res, err := cfg.newClient().EndSession(cfg.context(cmd.Context()), cfg.server, id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

type sessionFlags struct {
	path          string
	shard         string
	description   string
	maxAge        time.Duration
	transcendNOC  bool
	zoneGovernor  bool
	integerShards bool
}

func (f *sessionFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&f.path, "path", "p", "", "region path the session is opened for (e.g. /world/eu/se)")
	flags.StringVarP(&f.shard, "shard", "k", "", "sharding key selecting the governor pair")
	flags.BoolVar(&f.integerShards, "int-shard", false, "interpret --shard as a base-10 integer")
	flags.StringVar(&f.description, "description", "", "session description shown in table dumps")
	flags.DurationVar(&f.maxAge, "max-age", 0, "idle max age for the session (0 uses the server default)")
	flags.BoolVar(&f.transcendNOC, "transcend-noc", false, "continue zone resolution above NOC boundaries")
	flags.BoolVar(&f.zoneGovernor, "as-zone-governor", false, "resolve governors starting at the parent of --path")
}

func (f *sessionFlags) open(ctx context.Context, mgr *client.Manager, resolver topology.Resolver) (*client.Session, error) {
	if strings.TrimSpace(f.path) == "" {
		return nil, errors.New("--path is required")
	}
	if f.shard == "" {
		return nil, errors.New("--shard is required")
	}
	var shard any = f.shard
	if f.integerShards {
		n, err := strconv.ParseInt(f.shard, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse --shard: %w", err)
		}
		shard = n
	}
	opts := []client.SessionOption{client.WithDescription(f.description), client.WithMaxAge(f.maxAge)}
	if f.transcendNOC {
		opts = append(opts, client.WithTranscendNOC())
	}
	if f.zoneGovernor {
		opts = append(opts, client.AsZoneGovernor())
	}
	return client.NewSession(ctx, mgr, resolver, f.path, shard, opts...)
}

func newClientPingCommand(cfg *clientCLIConfig) *cobra.Command {
	var sf sessionFlags
	var minRuntime time.Duration
	var minTrust float64
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a statement-less transaction to the governor serving --path and --shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			txn := lang.NewPingTransaction(int64(minRuntime/time.Second), minTrust)
			return runTransaction(cmd, cfg, &sf, txn)
		},
	}
	sf.register(cmd.Flags())
	cmd.Flags().DurationVar(&minRuntime, "min-runtime", 0, "minimum governor uptime required")
	cmd.Flags().Float64Var(&minTrust, "min-trust", 0, "minimum governor trust level required (0-1)")
	return cmd
}

func newClientExecCommand(cfg *clientCLIConfig) *cobra.Command {
	var sf sessionFlags
	cmd := &cobra.Command{
		Use:   "exec FILE",
		Short: "Execute a JSON lock transaction (use - for stdin) and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			txn, err := lang.DecodeTransaction(data)
			if err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}
			return runTransaction(cmd, cfg, &sf, txn)
		},
	}
	sf.register(cmd.Flags())
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	path, err := expandPath(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// runTransaction opens a session, executes txn and always ends the session
// before printing the result.
func runTransaction(cmd *cobra.Command, cfg *clientCLIConfig, sf *sessionFlags, txn *lang.Transaction) error {
	if err := cfg.load(); err != nil {
		return err
	}
	resolver, err := cfg.resolver()
	if err != nil {
		return err
	}
	defer resolver.Close()
	ctx := cfg.context(cmd.Context())
	mgr := cfg.newManager()
	session, err := sf.open(ctx, mgr, resolver)
	if err != nil {
		return err
	}
	res, execErr := mgr.ExecuteLockTransaction(ctx, session, txn)
	if err := session.Close(ctx); err != nil && execErr == nil {
		cfg.logger.Warn("client.session.close_failed", "session", session.ID().String(), "error", err)
	}
	if execErr != nil {
		return execErr
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Status.OK() {
		return fmt.Errorf("transaction %s: %s", res.Status, res.ErrorCause)
	}
	return nil
}
