// Command xenshm-host manages the file that backs the emulated hypervisor.
//
//	xenshm-host format    recreate the host file with the configured geometry
//	xenshm-host inspect   list active grants and bound ports per domain
//	xenshm-host remove    delete the host file
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/nmxmxh/xenshm/internal/tool"
	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/emu"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: xenshm-host [format|inspect|remove]")
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := "inspect"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	if err := run(cmd); err != nil {
		fmt.Fprintln(os.Stderr, "xenshm-host:", err)
		os.Exit(1)
	}
}

func run(cmd string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := tool.NewLogger("host", cfg.Log)
	defer logger.Sync()
	geo := emu.GeometryFrom(cfg.Host)

	switch cmd {
	case "format":
		if err := remove(cfg.Host.Path); err != nil {
			return err
		}
		host, err := emu.OpenHost(cfg.Host.Path, geo, emu.WithLogger(logger))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d domains, %d frames and %d ports each, %d bytes\n",
			cfg.Host.Path, geo.MaxDomains, geo.FramesPerDomain, geo.PortsPerDomain, geo.HostSize())
		return host.Close()

	case "inspect":
		if _, err := os.Stat(cfg.Host.Path); err != nil {
			return err
		}
		host, err := emu.OpenHost(cfg.Host.Path, geo, emu.WithLogger(logger))
		if err != nil {
			return err
		}
		defer host.Close()

		reports, err := host.Inspect()
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d domains, %d frames and %d ports each\n",
			cfg.Host.Path, geo.MaxDomains, geo.FramesPerDomain, geo.PortsPerDomain)
		emu.WriteReport(os.Stdout, reports)
		return nil

	case "remove":
		return remove(cfg.Host.Path)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return utils.WrapError(err, "remove host file")
	}
	return nil
}
