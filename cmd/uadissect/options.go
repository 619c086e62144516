package main

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/danmuck/uadissect/internal/config"
	"github.com/danmuck/uadissect/internal/opcua"
	"github.com/danmuck/uadissect/internal/protocol/flow"
	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	segmentSize int
	tree        bool
	hexDump     bool
	jsonOut     bool
	serve       bool
	listen      string
	writeConfig string
	force       bool
	listFields  bool
	src         string
	dst         string
	files       []string
}

func parseOptions(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("uadissect", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "TOML config file")
	fs.IntVarP(&o.segmentSize, "segment-size", "s", 0, "replay segment size in bytes (0 uses the config value)")
	fs.BoolVarP(&o.tree, "tree", "t", false, "print the field tree of every PDU")
	fs.BoolVar(&o.hexDump, "hex", false, "print a hex dump of every PDU")
	fs.BoolVar(&o.jsonOut, "json", false, "print one JSON object per PDU")
	fs.BoolVar(&o.serve, "serve", false, "serve the admin HTTP surface instead of reading files")
	fs.StringVar(&o.listen, "listen", "", "admin listen address (overrides listen_addr)")
	fs.StringVar(&o.writeConfig, "write-config", "", "write a default config to this path and exit")
	fs.BoolVar(&o.force, "force", false, "overwrite an existing file with --write-config")
	fs.BoolVar(&o.listFields, "fields", false, "list registered fields and exit")
	fs.StringVar(&o.src, "src", "127.0.0.1:49152", "client endpoint of the replayed flows; file i uses port+i")
	fs.StringVar(&o.dst, "dst", fmt.Sprintf("127.0.0.1:%d", opcua.DefaultPort), "server endpoint of the replayed flows")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.files = fs.Args()
	return o, nil
}

func loadConfig(o options) (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.segmentSize > 0 {
		cfg.SegmentSize = o.segmentSize
	}
	if o.listen != "" {
		cfg.ListenAddr = o.listen
	}
	return cfg, config.Validate(cfg)
}

// fileFlow returns the flow key for the i-th input file.
func fileFlow(o options, i int) (flow.Key, error) {
	src, err := netip.ParseAddrPort(o.src)
	if err != nil {
		return flow.Key{}, fmt.Errorf("--src: %w", err)
	}
	dst, err := netip.ParseAddrPort(o.dst)
	if err != nil {
		return flow.Key{}, fmt.Errorf("--dst: %w", err)
	}
	port := int(src.Port()) + i
	if port > 0xffff {
		return flow.Key{}, fmt.Errorf("--src: port range exhausted at file %d", i)
	}
	return flow.NewTCP(netip.AddrPortFrom(src.Addr(), uint16(port)), dst)
}
