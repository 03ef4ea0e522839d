// Command xenshm-writer is the producing end of a test pipe. It connects
// to a xenshm-reader in another domain and sends either a generated
// pattern, a file or stdin, printing a checksum the reader can match.
package main

import (
	"context"
	"errors"
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
	input := flag.String("input", "", `payload source: "" sends a generated pattern of XENSHM_TOOL_BYTES bytes, "-" reads stdin, anything else is a file`)
	compress := flag.Bool("compress", false, "brotli-compress the stream (also XENSHM_TOOL_COMPRESS)")
	flag.Parse()

	if err := run(*input, *compress); err != nil {
		fmt.Fprintln(os.Stderr, "xenshm-writer:", err)
		os.Exit(1)
	}
}

func run(input string, compress bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Tool.Compress = cfg.Tool.Compress || compress

	src, closeSrc, err := openSource(input, int64(cfg.Tool.Bytes))
	if err != nil {
		return err
	}
	defer closeSrc()

	fmt.Println("Pipe writer now starting")
	env, err := tool.Setup("writer", cfg)
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
	if err := tool.Connect(ctx, p, ex, pipe.ModeWrite, cfg, os.Stdout); err != nil {
		return err
	}

	sum := &tool.Checksum{}
	enc := tool.NewEncoder(tool.Writer(ctx, p), cfg.Tool.Compress)
	buf := make([]byte, cfg.Tool.ChunkSize)
	_, err = io.CopyBuffer(enc, io.TeeReader(src, sum), buf)
	if err == nil {
		err = enc.Close()
	}
	report(sum)

	switch {
	case err == nil:
		env.Logger.Info("Payload sent", utils.Uint64("bytes", sum.Bytes()))
	case ctx.Err() != nil:
		fmt.Println("Signal received")
	case errors.Is(err, pipe.ErrPeerClosed):
		fmt.Println("Reader closed the pipe")
	default:
		return err
	}

	fmt.Println("Now closing the pipe")
	return nil
}

func openSource(input string, n int64) (io.Reader, func(), error) {
	switch input {
	case "":
		return tool.Pattern(n), func() {}, nil
	case "-":
		return os.Stdin, func() {}, nil
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
}

func report(sum *tool.Checksum) {
	fmt.Printf("%d bytes sent\n", sum.Bytes())
	fmt.Printf("check sum: %d\n", sum.Sum())
}
