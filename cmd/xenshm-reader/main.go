// Command xenshm-reader is the consuming end of a test pipe. It reads until
// the writer closes and prints the same checksum xenshm-writer does.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nmxmxh/xenshm/internal/tool"
	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/oob"
	"github.com/nmxmxh/xenshm/kernel/core/pipe"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

func main() {
	output := flag.String("output", "", `where received bytes go: "" discards them, "-" is stdout, anything else is a file`)
	compress := flag.Bool("compress", false, "expect a brotli stream (also XENSHM_TOOL_COMPRESS)")
	flag.Parse()

	if err := run(*output, *compress); err != nil {
		fmt.Fprintln(os.Stderr, "xenshm-reader:", err)
		os.Exit(1)
	}
}

func run(output string, compress bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Tool.Compress = cfg.Tool.Compress || compress

	dst, closeDst, err := openSink(output)
	if err != nil {
		return err
	}
	defer closeDst()

	fmt.Fprintln(os.Stderr, "Pipe reader now starting")
	env, err := tool.Setup("reader", cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := tool.SignalContext(context.Background())
	defer stop()

	ex, err := oob.New(cfg.OOB, env.Logger)
	if err != nil {
		return err
	}
	env.Shutdown.Register("oob", func(context.Context) error { return ex.Close() })

	p := env.NewPipe()
	if err := tool.Connect(ctx, p, ex, pipe.ModeRead, cfg, os.Stderr); err != nil {
		return err
	}

	sum := &tool.Checksum{}
	src := tool.NewDecoder(tool.Reader(ctx, p), cfg.Tool.Compress)
	buf := make([]byte, cfg.Tool.ChunkSize)
	_, err = io.CopyBuffer(io.MultiWriter(dst, sum), src, buf)

	fmt.Fprintf(os.Stderr, "%d bytes received\n", sum.Bytes())
	fmt.Fprintf(os.Stderr, "check sum: %d\n", sum.Sum())

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "Signal received")
			return nil
		}
		return err
	}
	env.Logger.Info("Writer closed the pipe", utils.Uint64("bytes", sum.Bytes()))
	return nil
}

func openSink(output string) (io.Writer, func(), error) {
	switch output {
	case "":
		return io.Discard, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	default:
		f, err := os.Create(output)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
}
