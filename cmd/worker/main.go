// ============================================================================
// Windmill Worker CLI - Command Line Interface
// ============================================================================
//
// Package: cmd/worker
// 文件: main.go
// 功能: 啟動 streaming compute worker harness 的命令列入口
//
// 啟動流程:
//   1. 解析旗標，建立 windmill.Client ("grpc" 或 "inprocess")
//   2. 將每個 "id:payload" 形式的位置參數解析為一個預先註冊的
//      computation 描述符 — id 取自描述符本身，不是合成的佔位符，
//      這樣服務之後租出的同一 id 工作才會命中預先註冊，而不必每次都
//      繞一趟 getConfig
//   3. 建構並啟動 harness
//   4. 阻塞等待 SIGINT/SIGTERM，收到後優雅關閉
//
// Grounded on the teacher's internal/cli.BuildCLI: a cobra root command
// with a run subcommand, graceful shutdown on SIGINT/SIGTERM, and
// flag-driven (not config-file-driven) startup — configuration bootstrap
// beyond flags/env is explicitly out of scope for this harness.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/windmill/streamworker/internal/executor"
	"github.com/windmill/streamworker/internal/executor/refpipeline"
	"github.com/windmill/streamworker/internal/harness"
	"github.com/windmill/streamworker/internal/logging"
	"github.com/windmill/streamworker/internal/registry"
	"github.com/windmill/streamworker/internal/windmill"
)

// singleFactorySource hands out the same executor.Factory/Context
// constructor pair for every computation, used when no richer
// per-computation pipeline wiring has been configured. Real deployments
// embedding this harness supply their own harness.ComputationSource.
type singleFactorySource struct {
	factory executor.Factory
	newCtx  func() executor.Context
}

func (s singleFactorySource) Lookup(string) (executor.Factory, func() executor.Context, bool) {
	return s.factory, s.newCtx, true
}

// parseDescriptorArg splits a command-line descriptor argument of the form
// "id:payload" into the computation id the registry indexes on and the raw
// descriptor bytes handed to the executor factory. The id must come from
// the descriptor itself, not a synthesized placeholder: work the service
// later leases is tagged with the real computation id, and pre-registering
// it under anything else orphans the descriptor, defeating spec.md's
// startup pre-registration (dispatch would fall back to a getConfig round
// trip for every lease instead of finding it already known).
func parseDescriptorArg(arg string) (id string, raw []byte, err error) {
	i := strings.IndexByte(arg, ':')
	if i < 0 {
		return "", nil, fmt.Errorf("descriptor %q: expected \"id:payload\"", arg)
	}
	return arg[:i], []byte(arg[i+1:]), nil
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Streaming compute worker harness",
	}
	root.AddCommand(buildRunCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var (
		serviceHostport string
		serviceStub     string
		statusAddr      string
		memoryCeilingMB uint64
	)

	cmd := &cobra.Command{
		Use:   "run [id:descriptor ...]",
		Short: "Run the worker harness against a work service",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := windmill.New(serviceStub, serviceHostport)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}

			var initial []registry.Descriptor
			for _, arg := range args {
				id, raw, err := parseDescriptorArg(arg)
				if err != nil {
					return fmt.Errorf("worker: %w", err)
				}
				initial = append(initial, registry.Descriptor{ID: id, Raw: raw})
			}

			h := harness.New(harness.Config{
				Client: client,
				Source: singleFactorySource{
					factory: refpipeline.New,
					newCtx:  refpipeline.NewContext,
				},
				StatusAddr:         statusAddr,
				MemoryCeilingBytes: memoryCeilingMB << 20,
			}, initial)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.Start(ctx)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logging.Default.Info("worker: shutting down")
			cancel()
			if err := h.Stop(); err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serviceHostport, "service-hostport", "", "work service hostport (required for the grpc stub)")
	cmd.Flags().StringVar(&serviceStub, "service-stub", "grpc", "work service client implementation: grpc or inprocess")
	cmd.Flags().StringVar(&statusAddr, "status-addr", ":8081", "status/metrics HTTP listen address")
	cmd.Flags().Uint64Var(&memoryCeilingMB, "memory-ceiling-mb", 0, "heap ceiling in MiB for the pushback gate (0 = derive from runtime)")

	return cmd
}
