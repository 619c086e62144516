package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/uadissect/internal/config"
	"github.com/danmuck/uadissect/internal/dissect"
	"github.com/danmuck/uadissect/internal/logging"
	"github.com/danmuck/uadissect/internal/opcua"
	"github.com/danmuck/uadissect/internal/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if o.writeConfig != "" {
		if err := config.WriteTemplate(o.writeConfig, o.force); err != nil {
			fmt.Fprintf(stderr, "uadissect: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "wrote default config to %s\n", o.writeConfig)
		return 0
	}

	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(stderr, "uadissect: %v\n", err)
		return 1
	}
	logging.ConfigureRuntime()
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv(logging.EnvLogLevel) == "" {
		logging.SetLevel(lvl)
	}

	engine, err := dissect.New(dissect.OptionsFromConfig(cfg))
	if err != nil {
		fmt.Fprintf(stderr, "uadissect: %v\n", err)
		return 1
	}
	defer engine.Close()

	switch {
	case o.listFields:
		for _, spec := range engine.Registry().List() {
			fmt.Fprintf(stdout, "%-32s %-8s %s\n", spec.Abbrev, spec.Type, spec.Name)
		}
		return 0
	case o.serve:
		return serve(engine, cfg, stderr)
	case len(o.files) == 0:
		fmt.Fprintln(stderr, "uadissect: no input files (use --serve for the HTTP surface)")
		return 2
	}

	p := printer{out: stdout, tree: o.tree, hexDump: o.hexDump, jsonOut: o.jsonOut}
	status := 0
	for i, path := range o.files {
		if err := dissectFile(engine, o, cfg, i, path, p); err != nil {
			fmt.Fprintf(stderr, "uadissect: %s: %v\n", path, err)
			status = 1
		}
	}
	return status
}

func dissectFile(engine *dissect.Engine, o options, cfg config.Config, i int, path string, p printer) error {
	k, err := fileFlow(o, i)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	log.Debug().
		Str("file", path).
		Stringer("flow", k).
		Int("bytes", len(data)).
		Str("pass", engine.PassID()).
		Msg("uadissect replay")

	results, ferr := engine.FeedStream(k, data, cfg.SegmentSize)
	for _, r := range results {
		if err := p.print(path, r); err != nil {
			return err
		}
	}
	return ferr
}

func serve(engine *dissect.Engine, cfg config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := server.New(engine, server.Options{
		Addr:        cfg.ListenAddr,
		SegmentSize: cfg.SegmentSize,
		CorsOrigins: cfg.CorsOrigins,
		AdminToken:  cfg.AdminToken,
	})
	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "uadissect: %v\n", err)
		return 1
	}
	return 0
}

type printer struct {
	out     io.Writer
	tree    bool
	hexDump bool
	jsonOut bool
}

type jsonPDU struct {
	File        string `json:"file"`
	Index       uint64 `json:"index"`
	Summary     string `json:"summary"`
	Correlation string `json:"correlation,omitempty"`
	Reassembly  string `json:"reassembly"`
	Malformed   bool   `json:"malformed"`
	Tree        any    `json:"tree,omitempty"`
}

func (p printer) print(file string, r opcua.Result) error {
	if p.jsonOut {
		rec := jsonPDU{
			File:        file,
			Index:       r.Index,
			Summary:     r.Summary,
			Correlation: r.Correlation,
			Reassembly:  r.Reassembly.String(),
			Malformed:   r.Malformed,
		}
		if p.tree {
			rec.Tree = r.Tree.Root().Children
		}
		return json.NewEncoder(p.out).Encode(rec)
	}

	if _, err := fmt.Fprintf(p.out, "%s #%d %s\n", file, r.Index, r.Summary); err != nil {
		return err
	}
	if p.tree {
		if err := r.Tree.Root().Format(indent{w: p.out}); err != nil {
			return err
		}
	}
	if p.hexDump {
		raw, err := r.View.Bytes(0, r.View.Len())
		if err != nil {
			return err
		}
		_, err = io.WriteString(p.out, hex.Dump(raw))
		return err
	}
	return nil
}

// indent shifts tree output under its summary line.
type indent struct {
	w io.Writer
}

func (i indent) Write(b []byte) (int, error) {
	if _, err := i.w.Write([]byte("    ")); err != nil {
		return 0, err
	}
	return i.w.Write(b)
}
