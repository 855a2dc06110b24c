package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/engine"
)

func inspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Load the module and show its layout, entry points and init status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			vm, err := engine.Load(ctx, a.cfg.EngineOptions())
			if err != nil {
				return err
			}

			bcfg, err := a.cfg.BridgeConfig()
			if err != nil {
				_ = vm.Close(ctx)
				return err
			}
			b, err := bridge.New(ctx, bcfg, bridge.Static(vm))
			if err != nil {
				_ = vm.Close(ctx)
				return err
			}
			defer b.Close(context.Background())

			return printInspect(cmd.OutOrStdout(), vm, b)
		},
	}
}

func printInspect(w io.Writer, vm *engine.VM, b *bridge.Bridge) error {
	st := b.Stats()
	mod := st.Module

	fmt.Fprintf(w, "Module:   %s\n", mod.Path)
	fmt.Fprintf(w, "Build ID: %s\n", mod.BuildID)
	fmt.Fprintf(w, "Base:     0x%x\n", mod.Base)
	fmt.Fprintf(w, "Size:     %d\n", mod.Size)
	fmt.Fprintf(w, "Init:     %s\n", st.Init)

	exports := vm.Exports()
	byAddr := make(map[uint64]string, len(exports))
	fmt.Fprintf(w, "\nExported functions (%d):\n", len(exports))
	for _, e := range exports {
		byAddr[e.Address] = e.Name
		fmt.Fprintf(w, "  0x%x  +0x%-8x %-40s params=%d\n", e.Address, e.Offset, e.Name, e.Params)
	}

	fmt.Fprintf(w, "\nOperations (offsets from %s):\n", st.OffsetSource)
	ops := make([]string, 0, len(bridge.Operations))
	for op := range bridge.Operations {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		addr, err := b.Resolve(op)
		if err != nil {
			fmt.Fprintf(w, "  %-5s unresolved: %v\n", op, err)
			continue
		}
		target := byAddr[addr]
		if target == "" {
			target = "not exported, direct calls will fail"
		}
		fmt.Fprintf(w, "  %-5s 0x%x  %s  %s\n", op, addr, bridge.Operations[op].Method, target)
	}

	natives := vm.Natives()
	fmt.Fprintf(w, "\nRegistered natives (%d):\n", len(natives))
	for _, n := range natives {
		fmt.Fprintf(w, "  0x%x  %s\n", n.Address, n.Key)
	}
	return nil
}
