// Command xenshm-loopback runs a writer and a reader in one process over a
// private in-memory host and reports the throughput of the pipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/xenshm/internal/tool"
	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/oob"
	"github.com/nmxmxh/xenshm/kernel/core/pipe"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

func main() {
	size := flag.Int64("bytes", 0, "bytes to send (default XENSHM_TOOL_BYTES)")
	flag.Parse()

	if err := run(*size); err != nil {
		fmt.Fprintln(os.Stderr, "xenshm-loopback:", err)
		os.Exit(1)
	}
}

func run(size int64) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if size <= 0 {
		size = int64(cfg.Tool.Bytes)
	}

	env, err := tool.SetupInMemory("loopback", cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	local := common.DomainID(cfg.Domain.LocalDomID)
	peer := common.DomainID((uint32(local) + 1) % cfg.Host.MaxDomains)
	if cfg.Tool.RemoteDomID >= 0 {
		peer = common.DomainID(cfg.Tool.RemoteDomID)
	}
	if peer == local {
		return fmt.Errorf("loopback needs two domains, host has %d", cfg.Host.MaxDomains)
	}

	writer := env.NewPipe()
	reader, err := env.PipeOn(peer)
	if err != nil {
		return err
	}

	writerCfg, readerCfg := *cfg, *cfg
	writerCfg.Tool.RemoteDomID = int(peer)
	readerCfg.Tool.RemoteDomID = int(local)

	ctx, stop := tool.SignalContext(context.Background())
	defer stop()

	ex := oob.NewLoopback()
	var sent, received tool.Checksum
	var start time.Time

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tool.Connect(gctx, writer, ex, pipe.ModeWrite, &writerCfg, io.Discard); err != nil {
			return fmt.Errorf("writer: %w", err)
		}
		start = time.Now()
		buf := make([]byte, cfg.Tool.ChunkSize)
		if _, err := io.CopyBuffer(tool.Writer(gctx, writer), io.TeeReader(tool.Pattern(size), &sent), buf); err != nil {
			return fmt.Errorf("writer: %w", err)
		}
		return writer.Free(gctx)
	})
	g.Go(func() error {
		if err := tool.Connect(gctx, reader, ex, pipe.ModeRead, &readerCfg, io.Discard); err != nil {
			return fmt.Errorf("reader: %w", err)
		}
		buf := make([]byte, cfg.Tool.ChunkSize)
		if _, err := io.CopyBuffer(&received, tool.Reader(gctx, reader), buf); err != nil {
			return fmt.Errorf("reader: %w", err)
		}
		return reader.Free(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	rate := float64(received.Bytes()) / elapsed.Seconds() / (1 << 20)
	fmt.Printf("%d bytes in %s (%.2f MiB/s) over %d payload pages, %s\n",
		received.Bytes(), elapsed.Round(time.Microsecond), rate, cfg.Pipe.PageCount, cfg.Pipe.Convention)
	fmt.Printf("check sum: sent %d received %d\n", sent.Sum(), received.Sum())

	if sent.Sum() != received.Sum() || sent.Bytes() != received.Bytes() {
		return fmt.Errorf("checksum mismatch")
	}
	env.Logger.Info("Loopback complete", utils.Float64("mib_per_sec", rate))
	return nil
}
