// frpc-bench runs a client and a server endpoint over the in-memory
// loopback fabric in one process and reports round-trip latency
// percentiles. It exists to exercise the full stack (handshake,
// credits, fragmentation, event loop) without fabric hardware.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/kr/pretty"
	"github.com/mattn/go-isatty"
	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fabrpc/frpc/bufalloc"
	"github.com/fabrpc/frpc/config"
	"github.com/fabrpc/frpc/logger"
	"github.com/fabrpc/frpc/ops"
	"github.com/fabrpc/frpc/registry"
	"github.com/fabrpc/frpc/rpc"
	"github.com/fabrpc/frpc/transport"
	"github.com/fabrpc/frpc/transport/loopback"
)

const echoReqType = 1

var rootCmd = &cobra.Command{
	Use:   "frpc-bench",
	Short: "loopback round-trip latency benchmark for the frpc engine",
	RunE:  run,
}

var benchArgs struct {
	configPath string
	msgSize    int
	iters      int
	verbose    bool
}

func registerFlags(f *pflag.FlagSet) {
	f.StringVar(&benchArgs.configPath, "config", "", "path to a YAML config file")
	f.IntVar(&benchArgs.msgSize, "size", 0, "request payload bytes (overrides config)")
	f.IntVar(&benchArgs.iters, "iters", 0, "number of round trips (overrides config)")
	f.BoolVarP(&benchArgs.verbose, "verbose", "v", false, "dump the effective config")
}

func main() {
	registerFlags(rootCmd.Flags())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if benchArgs.configPath != "" {
		return config.ParseConfig(benchArgs.configPath)
	}
	return config.ParseConfigBytes([]byte("registry:\n  bind_addr: \"127.0.0.1:0\"\n"))
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if benchArgs.msgSize > 0 {
		cfg.Bench.MsgSize = benchArgs.msgSize
	}
	if benchArgs.iters > 0 {
		cfg.Bench.Iters = benchArgs.iters
	}

	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())

	if benchArgs.verbose {
		fmt.Printf("%# v\n", pretty.Formatter(cfg))
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log := logger.NewLogger(logger.NewLogfmtOutlet(os.Stderr), level)

	params := transport.Params{MaxDataPerPkt: 1024, RecvQueueDepth: 512, Postlist: 16}
	fabric := loopback.NewFabric()
	clientPort := fabric.NewPort(params)
	serverPort := fabric.NewPort(params)

	serverReg, err := registry.New(cfg.Registry.BindAddr, cfg.Registry.NumBgWorkers, log)
	if err != nil {
		return err
	}
	defer serverReg.Close()
	clientReg, err := registry.New("127.0.0.1:0", cfg.Registry.NumBgWorkers, log)
	if err != nil {
		return err
	}
	defer clientReg.Close()

	for _, reg := range []*registry.Registry{serverReg, clientReg} {
		err := reg.RegisterReqFunc(echoReqType, ops.ReqFunc{Func: echoHandler})
		if err != nil {
			return err
		}
	}

	smHandler := func(sessionNum uint16, event ops.SmEventType, err error, _ interface{}) {
		log.WithField("session", sessionNum).WithError(err).Info(event.String())
	}

	serverCtx := &endpointCtx{}
	server, err := rpc.New(serverReg, serverCtx, 2, smHandler, 0, serverPort,
		bufalloc.New(6, 20, 1<<26, nil, nil), log)
	if err != nil {
		return err
	}
	defer server.Close()
	serverCtx.rpc = server

	clientCtx := &endpointCtx{}
	client, err := rpc.New(clientReg, clientCtx, 1, smHandler, 0, clientPort,
		bufalloc.New(6, 20, 1<<26, nil, nil), log)
	if err != nil {
		return err
	}
	defer client.Close()
	clientCtx.rpc = client

	sess := client.CreateSession(serverReg.Hostname(), 2, 0)
	if sess == nil {
		return fmt.Errorf("session creation failed")
	}
	spinUntil(client, server, func() bool { return sess.State() != rpc.SessionStateConnectInProgress })
	if sess.State() != rpc.SessionStateConnected {
		return fmt.Errorf("session connect failed")
	}

	samples, err := measure(client, server, sess, cfg.Bench.MsgSize, cfg.Bench.Iters)
	if err != nil {
		return err
	}
	report(cfg.Bench.MsgSize, samples)
	return nil
}

// endpointCtx is the application context: the echo handler needs its
// endpoint back to enqueue responses.
type endpointCtx struct {
	rpc *rpc.Rpc
}

func echoHandler(h ops.ReqHandle, ctx interface{}) {
	r := ctx.(*endpointCtx).rpc
	req := h.ReqMsgBuf()
	size := req.DataSize()
	if size <= r.MaxDataPerPkt() {
		resp := h.PreRespMsgBuf()
		r.ResizeMsgBuffer(resp, size)
		copy(resp.Data(), req.Data())
	} else {
		dyn := r.AllocMsgBuffer(size)
		if !dyn.IsValid() {
			return // drop; the client will notice the silence
		}
		copy(dyn.Data(), req.Data())
		h.SetDynRespMsgBuf(&dyn)
	}
	r.EnqueueResponse(h)
}

func spinUntil(client, server *rpc.Rpc, cond func() bool) {
	for !cond() {
		client.RunEventLoopOnce()
		server.RunEventLoopOnce()
	}
}

func measure(client, server *rpc.Rpc, sess *rpc.Session, msgSize, iters int) ([]float64, error) {
	req := client.AllocMsgBuffer(msgSize)
	if !req.IsValid() {
		return nil, fmt.Errorf("arena too small for %d byte requests", msgSize)
	}
	defer client.FreeMsgBuffer(req)
	for i := range req.Data() {
		req.Data()[i] = byte(i)
	}

	samples := make([]float64, 0, iters)
	for i := 0; i < iters; i++ {
		var done bool
		start := time.Now()
		dperr := client.EnqueueRequest(sess, echoReqType, &req, func(h ops.RespHandle, _ interface{}, _ uint64) {
			samples = append(samples, float64(time.Since(start).Nanoseconds())/1e3)
			client.ReleaseResponse(h)
			done = true
		}, 0)
		if !dperr.Ok() {
			return nil, fmt.Errorf("enqueue request: %s", dperr)
		}
		spinUntil(client, server, func() bool { return done })
	}
	return samples, nil
}

func report(msgSize int, samples []float64) {
	bold := color.New(color.Bold)
	bold.Printf("%d round trips, %d byte payload\n", len(samples), msgSize)

	med, _ := stats.Median(samples)
	p95, _ := stats.Percentile(samples, 95)
	p99, _ := stats.Percentile(samples, 99)
	min, _ := stats.Min(samples)
	max, _ := stats.Max(samples)

	fmt.Printf("  min    %10.1f us\n", min)
	color.Green("  median %10.1f us", med)
	fmt.Printf("  p95    %10.1f us\n", p95)
	fmt.Printf("  p99    %10.1f us\n", p99)
	fmt.Printf("  max    %10.1f us\n", max)
}
