package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitchat/orbit/internal/config"
	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metadata/oxia"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/routing"
	"github.com/orbitchat/orbit/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch sub := os.Args[1]; sub {
	case "status":
		runStatus(os.Args[2:])
	case "nodes":
		runNodes(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version", "--version", "-version":
		fmt.Printf("orbitctl version %s (built %s)\n", version, buildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", sub)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: orbitctl <command> [options]

Commands:
  status      Show a node's handshake and connection statistics
  nodes       List registered nodes and the planets they host
  watch       Connect as a user and print every event received
  version     Print version information

Run 'orbitctl <command> --help' for more information on a command.`)
}

// NodeStatus is what status prints for one node.
type NodeStatus struct {
	Name      string               `json:"name"`
	Handshake server.Handshake     `json:"handshake"`
	Stats     server.DetailedStats `json:"stats"`
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:5000", "Node base URL")
	detailed := fs.Bool("detailed", false, "Include the group list")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: orbitctl status [options]

Show the handshake and statistics of the node answering at -url.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := fetchStatus(ctx, http.DefaultClient, *baseURL, *detailed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
		return
	}
	printStatus(os.Stdout, st)
}

// fetchStatus queries the node name, handshake and stats endpoints.
func fetchStatus(ctx context.Context, client *http.Client, baseURL string, detailed bool) (*NodeStatus, error) {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	name, err := routing.NewHTTPCoordinator(baseURL, client).PrimaryNodeName(ctx)
	if err != nil {
		return nil, err
	}
	st := &NodeStatus{Name: name}
	if err := getJSON(ctx, client, baseURL+server.PathHandshake, &st.Handshake); err != nil {
		return nil, err
	}
	path := server.PathStats
	if detailed {
		path = server.PathStatsDetailed
	}
	if err := getJSON(ctx, client, baseURL+path, &st.Stats); err != nil {
		return nil, err
	}
	return st, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return nil
}

func printStatus(w io.Writer, st *NodeStatus) {
	fmt.Fprintf(w, "Node: %s\n", st.Name)
	fmt.Fprintf(w, "Version: %s\n", st.Handshake.Version)
	fmt.Fprintf(w, "Hosted planets: %s\n", joinIDs(st.Handshake.PlanetIDs))
	fmt.Fprintf(w, "Connections: %d\n", st.Stats.Connections)
	fmt.Fprintf(w, "Grouped connections: %d\n", st.Stats.GroupedConnections)
	fmt.Fprintf(w, "Groups: %d\n", st.Stats.Groups)
	fmt.Fprintf(w, "Users: %d\n", st.Stats.Users)

	if len(st.Stats.GroupList) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tCONNECTIONS\tUSERS")
	for _, g := range st.Stats.GroupList {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", g.Key, len(g.Connections), joinIDs(g.UserIDs))
	}
	tw.Flush()
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}

func runNodes(args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: orbitctl nodes [options]

List the nodes registered in the Oxia metadata store and the planets each
one hosts.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Metadata.Backend != "oxia" {
		fmt.Fprintln(os.Stderr, "error: nodes requires the oxia metadata backend")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := oxia.New(ctx, oxia.Config{
		ServiceAddress: cfg.Metadata.OxiaEndpoint,
		Namespace:      cfg.Metadata.Namespace,
		RequestTimeout: 30 * time.Second,
		SessionTimeout: time.Duration(cfg.Metadata.SessionTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to Oxia at %s: %v\n", cfg.Metadata.OxiaEndpoint, err)
		os.Exit(1)
	}
	defer store.Close()

	registry := routing.NewNodeRegistry(store, routing.NodeRegistryConfig{Name: "orbitctl", Logger: logging.Discard()})
	nodes, err := listNodes(ctx, registry, routing.NewPlanetAssigner(store, registry, nil, logging.Discard()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(nodes, "", "  ")
		fmt.Println(string(data))
		return
	}
	printNodes(os.Stdout, nodes)
}

// NodeEntry is one row of the nodes listing.
type NodeEntry struct {
	routing.NodeInfo
	Planets []int64 `json:"planets"`
}

func listNodes(ctx context.Context, registry *routing.NodeRegistry, planets server.Planets) ([]NodeEntry, error) {
	infos, err := registry.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	entries := make([]NodeEntry, 0, len(infos))
	for _, info := range infos {
		ids, err := planets.HostedPlanets(ctx, info.Name)
		if err != nil {
			return nil, fmt.Errorf("planets of %s: %w", info.Name, err)
		}
		entries = append(entries, NodeEntry{NodeInfo: info, Planets: ids})
	}
	return entries, nil
}

func printNodes(w io.Writer, nodes []NodeEntry) {
	if len(nodes) == 0 {
		fmt.Fprintln(w, "No nodes registered.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tURL\tVERSION\tSTARTED\tPLANETS")
	for _, n := range nodes {
		started := time.UnixMilli(n.StartedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.Name, n.AdvertisedURL, n.BuildInfo.Version, started, joinIDs(n.Planets))
	}
	tw.Flush()
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	opts := watchOptions{}
	fs.StringVar(&opts.URL, "url", "http://localhost:5000", "Base URL of any node or the load balancer")
	fs.StringVar(&opts.Token, "token", os.Getenv("ORBIT_TOKEN"), "Bearer token (default $ORBIT_TOKEN)")
	fs.Int64Var(&opts.PlanetID, "planet", 0, "Planet to join")
	fs.Int64Var(&opts.ChannelID, "channel", 0, "Channel to join (requires -planet)")
	fs.BoolVar(&opts.Interactions, "interactions", false, "Join the planet's interaction group")
	logLevel := fs.String("log-level", "warn", "Log level for connection diagnostics")
	metricsAddr := fs.String("metrics-addr", "", "Serve session metrics on this address (e.g., :9091)")

	fs.Usage = func() {
		fmt.Println(`Usage: orbitctl watch [options]

Connect to the primary node as the token's user, optionally join a planet
and one of its channels on the node that hosts it, and print every event as
one JSON object per line until interrupted.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if opts.Token == "" {
		fmt.Fprintln(os.Stderr, "error: -token is required")
		os.Exit(1)
	}
	if opts.ChannelID > 0 && opts.PlanetID <= 0 {
		fmt.Fprintln(os.Stderr, "error: -channel requires -planet")
		os.Exit(1)
	}
	opts.Logger = logging.Configure(*logLevel, "text", "orbitctl")

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts.Metrics = metrics.NewSessionMetricsWithRegistry(reg)
		go func() {
			if err := http.ListenAndServe(*metricsAddr, metrics.Handler(reg)); err != nil {
				opts.Logger.Errorf("metrics listener failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watch(ctx, opts, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
