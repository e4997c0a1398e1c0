// Command dhtnode assembles the routing metadata and net collaborators
// into a runnable DHT node, in the style of klaytn's cmd/kcn and
// cmd/kbn entrypoints: a gopkg.in/urfave/cli.v1 App whose Action wires
// flag values into constructor arguments and never contains domain
// logic itself.
package main

import (
	"fmt"
	stdnet "net"
	"os"
	"strconv"

	"go.uber.org/zap/zapcore"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/knewter/dht/clock"
	"github.com/knewter/dht/log"
	"github.com/knewter/dht/net"
	"github.com/knewter/dht/nodeid"
	"github.com/knewter/dht/randsrc"
	"github.com/knewter/dht/routingmeta"
	"github.com/knewter/dht/routingtable"
	"github.com/knewter/dht/state"
	"github.com/knewter/dht/store"
)

var (
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "UDP address to bind, e.g. :6881",
		Value: ":6881",
	}
	bootstrapFlag = cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "bootstrap node endpoint, host:port (repeatable)",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug-level logging",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "dhtnode"
	app.Usage = "run a Kademlia/BEP-5 style DHT node"
	app.Flags = []cli.Flag{listenFlag, bootstrapFlag, verboseFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dhtnode:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if ctx.Bool(verboseFlag.Name) {
		log.SetLevel(zapcore.DebugLevel)
	}
	logger := log.NewModuleLogger(log.CLI)

	sock, err := net.Listen(ctx.String(listenFlag.Name))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var localID nodeid.NodeID
	rnd := randsrc.New()
	for i := range localID {
		localID[i] = byte(rnd.U16())
	}

	tab := routingtable.New(localID)
	clk := clock.System{}
	_, routing := routingmeta.New(tab, clk, rnd)
	st := state.New(localID, routing)
	sr := store.New()
	corr := net.New(sock, st, sr, clk, rnd)

	logger.Info("dhtnode listening", "id", localID, "addr", corr.NodePort())

	for _, hp := range ctx.StringSlice(bootstrapFlag.Name) {
		ep, err := parseEndpoint(hp)
		if err != nil {
			logger.Warn("skipping bad bootstrap endpoint", "value", hp, "err", err)
			continue
		}
		id, err := corr.Ping(ep)
		if err != nil {
			logger.Warn("bootstrap ping failed", "endpoint", ep, "err", err)
			continue
		}
		st.InsertNode(nodeid.Peer{ID: id, Endpoint: ep})
	}

	done := make(chan struct{})
	go st.RunRangeRefresher(done, func(p nodeid.Peer) {
		if _, err := corr.FindNode(p); err != nil {
			logger.Debug("range refresh find_node failed", "peer", p.ID, "err", err)
		}
	})

	select {} // serve forever; interrupt (SIGINT) or kill stops the process
}

// parseEndpoint resolves a "host:port" bootstrap argument to an
// Endpoint, doing the hostname lookup eagerly so a bad flag value
// fails before it reaches the correlator.
func parseEndpoint(hostport string) (nodeid.Endpoint, error) {
	host, portStr, err := stdnet.SplitHostPort(hostport)
	if err != nil {
		return nodeid.Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nodeid.Endpoint{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	ips, err := stdnet.LookupIP(host)
	if err != nil {
		return nodeid.Endpoint{}, err
	}
	return nodeid.Endpoint{IP: ips[0], Port: uint16(port)}, nil
}
