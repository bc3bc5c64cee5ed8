package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"nodelink/codec"
	"nodelink/firmware"
	"nodelink/otap"
	"nodelink/protocol"
	"nodelink/registry"
	"nodelink/remote"
)

func flashCmd(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("flash", flag.ContinueOnError)
	nodes := fs.String("nodes", "", "comma separated node ids")
	discover := fs.Bool("discover", false, "take target nodes from the registry")
	image := fs.String("image", "", "firmware image (.hex or raw binary)")
	segSize := fs.Int("segment-size", firmware.DefaultSegmentSize, "segment size in bytes")
	slot := fs.Uint("slot", uint(e.cfg.Otap.Slot), "flash slot")
	ops := fs.String("ops", e.cfg.Otap.Ops, "phases to run, subset of \"isv\"")
	async := fs.Bool("async", e.cfg.Otap.Async, "use the done event for init and verify")
	unicast := fs.Bool("unicast", e.cfg.Otap.Unicast, "address segments to each node")
	activate := fs.Bool("activate", false, "activate the slot on nodes that succeeded")
	delay := fs.Uint("delay", 1000, "activation delay in ms")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *image == "" {
		return errors.New("flash: -image required")
	}
	if *slot > 0xFF {
		return fmt.Errorf("flash: slot %d out of range", *slot)
	}

	targets, err := parseNodes(*nodes)
	if err != nil {
		return err
	}
	if *discover {
		reg, err := e.registry(ctx)
		if err != nil {
			return err
		}
		found, err := reg.Discover(ctx, e.cfg.Registry.Gateway)
		if err != nil {
			return err
		}
		targets = dedup(append(targets, registry.IDs(found)...))
	}
	if len(targets) == 0 {
		return errors.New("flash: no target nodes")
	}

	im, err := firmware.Load(*image, *segSize)
	if err != nil {
		return err
	}
	ch, err := e.channel(ctx)
	if err != nil {
		return err
	}

	cfg := e.cfg.Otap
	cfg.Slot, cfg.Ops, cfg.Async, cfg.Unicast = uint8(*slot), *ops, *async, *unicast
	d, err := otap.New(ch, e.conn, im, cfg, otap.WithLogger(e.logger("otap")), otap.WithMiddleware(e.middleware()...))
	if err != nil {
		return err
	}

	e.log.Info().Stringer("image", im).Int("nodes", len(targets)).Msg("flashing")
	report, err := d.Run(ctx, targets)
	if report != nil {
		printReport(report)
		if len(e.cfg.Registry.Endpoints) > 0 {
			if reg, rerr := e.registry(ctx); rerr == nil {
				if perr := registry.PublishRun(ctx, reg, e.cfg.Registry.Gateway, report, cfg.Slot, im.CRC, e.cfg.Registry.TTL); perr != nil {
					e.log.Warn().Err(perr).Msg("cannot publish run results")
				}
			} else {
				e.log.Warn().Err(rerr).Msg("registry unavailable, results not published")
			}
		}
	}
	if err != nil {
		return err
	}

	if *activate && len(report.Succeeded()) > 0 {
		failed := otap.Activate(ctx, ch, report.Succeeded(), cfg.Slot, uint16(min(*delay, 0xFFFF)), otap.DefaultActivateTries,
			otap.WithLogger(e.logger("otap")), otap.WithMiddleware(e.middleware()...))
		printActivation(report.Succeeded(), failed)
		if len(failed) > 0 {
			return errFailedNodes
		}
	}
	if len(report.Failed()) > 0 {
		return errFailedNodes
	}
	return nil
}

func dedup(ids []protocol.NodeID) []protocol.NodeID {
	seen := make(map[protocol.NodeID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func printReport(r *otap.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tRESULT\tPHASE\tCODE")
	for _, id := range append(r.Succeeded(), r.Failed()...) {
		o := r.Outcomes[id]
		if o.State == otap.Failed {
			fmt.Fprintf(w, "%v\tfailed\t%s\t%d\n", id, o.Phase, o.Code)
		} else {
			fmt.Fprintf(w, "%v\t%v\t\t\n", id, o.State)
		}
	}
	w.Flush()
}

func printActivation(nodes []protocol.NodeID, failed map[protocol.NodeID]error) {
	for _, id := range nodes {
		if err, ok := failed[id]; ok {
			fmt.Printf("%v: activation failed: %v\n", id, err)
		} else {
			fmt.Printf("%v: activated\n", id)
		}
	}
}

func activateCmd(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	nodes := fs.String("nodes", "", "comma separated node ids")
	slot := fs.Uint("slot", uint(e.cfg.Otap.Slot), "flash slot to boot")
	delay := fs.Uint("delay", 1000, "delay before reboot in ms")
	attempts := fs.Int("attempts", otap.DefaultActivateTries, "tries per node")
	if err := fs.Parse(args); err != nil {
		return err
	}
	targets, err := parseNodes(*nodes)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("activate: -nodes required")
	}
	if *slot > 0xFF || *delay > 0xFFFF {
		return errors.New("activate: slot or delay out of range")
	}
	ch, err := e.channel(ctx)
	if err != nil {
		return err
	}

	failed := otap.Activate(ctx, ch, targets, uint8(*slot), uint16(*delay), *attempts,
		otap.WithLogger(e.logger("otap")), otap.WithMiddleware(e.middleware()...))
	printActivation(targets, failed)
	if len(failed) > 0 {
		return errFailedNodes
	}
	return nil
}

func missingCmd(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("missing", flag.ContinueOnError)
	node := fs.Uint("node", 0, "node id")
	segments := fs.Int("segments", 0, "number of segments of the image")
	image := fs.String("image", "", "take the segment count from this image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *node == 0 || *node >= uint(protocol.Broadcast) {
		return errors.New("missing: -node required")
	}
	total := *segments
	if *image != "" {
		im, err := firmware.Load(*image, firmware.DefaultSegmentSize)
		if err != nil {
			return err
		}
		total = im.Len()
	}
	if total <= 0 {
		return errors.New("missing: -segments or -image required")
	}
	ch, err := e.channel(ctx)
	if err != nil {
		return err
	}

	missing, err := otap.Missing(ctx, ch, protocol.NodeID(*node), total,
		otap.WithLogger(e.logger("otap")), otap.WithMiddleware(e.middleware()...))
	if err != nil {
		return err
	}
	fmt.Printf("%d of %d segments missing\n", len(missing), total)
	for _, seg := range missing {
		fmt.Println(seg)
	}
	return nil
}

func callCmd(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	node := fs.Uint("node", 0, "node id")
	module := fs.String("module", "", "module name")
	method := fs.String("method", "", "method name")
	ret := fs.String("ret", "none", "result type: none, u8, u16, u32, u64, bool, string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *node == 0 || *module == "" || *method == "" {
		return errors.New("call: -node, -module and -method required")
	}
	retType, err := codec.ParseType(*ret)
	if err != nil {
		return err
	}
	types, values, err := parseArgs(fs.Args())
	if err != nil {
		return err
	}
	ch, err := e.channel(ctx)
	if err != nil {
		return err
	}

	mod := remote.New(ch, *module, protocol.NodeID(*node),
		remote.WithLogger(e.logger("remote")), remote.WithMiddleware(e.middleware()...))
	m, err := mod.DeclareMethod(*method, remote.Of(retType), types...)
	if err != nil {
		return err
	}
	v, err := m.Call(ctx, values...)
	if err != nil {
		return err
	}
	if v != nil {
		fmt.Println(v)
	}
	return nil
}

// parseArgs reads arguments written as type:value, e.g. u16:300 or string:abc.
func parseArgs(args []string) ([]codec.Type, []any, error) {
	types := make([]codec.Type, 0, len(args))
	values := make([]any, 0, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, ":")
		if !ok {
			return nil, nil, fmt.Errorf("argument %q: want type:value", a)
		}
		t, err := codec.ParseType(name)
		if err != nil {
			return nil, nil, err
		}
		var v any
		switch t {
		case codec.U8, codec.U16, codec.U32, codec.U64:
			v, err = strconv.ParseUint(raw, 0, 64)
		case codec.Bool:
			v, err = strconv.ParseBool(raw)
		case codec.String:
			v = raw
		default:
			err = fmt.Errorf("type %s not supported on the command line", t)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("argument %q: %w", a, err)
		}
		types = append(types, t)
		values = append(values, v)
	}
	return types, values, nil
}

func nodesCmd(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("nodes", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep printing the directory on every change")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reg, err := e.registry(ctx)
	if err != nil {
		return err
	}
	instances, err := reg.Discover(ctx, e.cfg.Registry.Gateway)
	if err != nil {
		return err
	}
	printNodes(instances)
	if !*watch {
		return nil
	}
	for instances := range reg.Watch(ctx, e.cfg.Registry.Gateway) {
		printNodes(instances)
	}
	return nil
}

func printNodes(instances []registry.NodeInstance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSTATUS\tSLOT\tCRC\tUPDATED")
	for _, inst := range instances {
		fmt.Fprintf(w, "%v\t%s\t%d\t%04x\t%s\n", inst.ID, inst.Status, inst.Slot, inst.CRC, inst.Updated.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
