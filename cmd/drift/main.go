// Command drift inspects a VM configuration without booting it: it loads
// and validates the YAML file, then optionally dumps the hardware
// descriptors the guest would discover at boot.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/driftvm/drift/internal/arch/arm64"
	"github.com/driftvm/drift/internal/arch/x86"
	"github.com/driftvm/drift/internal/devices"
	"github.com/driftvm/drift/internal/mem"
	"github.com/driftvm/drift/internal/vmconfig"
)

// Preview layout for the arm64 device tree: one UART and one RTC behind a
// GICv3, matching the defaults a full boot would register.
const (
	previewGicDistBase   = 0x0800_0000
	previewGicDistSize   = 0x1_0000
	previewGicRedistBase = 0x080A_0000
	previewGicRedistSize = 0x20_0000

	previewSerialBase = 0x4000_1000
	previewSerialIrq  = 33
	previewRtcBase    = 0x4000_2000
	previewRtcIrq     = 34
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "drift: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the VM configuration YAML file")
	dumpFdt := flag.String("dump-fdt", "", "Write the synthesized device tree blob to the given file (arm64)")
	dumpCpuid := flag.Bool("dump-cpuid", false, "Print the synthesized CPUID identity tables (x86)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <file> [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Validate a VM configuration and preview its hardware descriptors.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}
	cfg, err := vmconfig.Load(*configPath)
	if err != nil {
		return err
	}

	fmt.Printf("vcpus:   %d (max %d)\n", cfg.VcpuCount, cfg.MaxVcpuCount)
	fmt.Printf("topology: %d threads x %d cores x %d dies x %d sockets\n",
		cfg.Topology.ThreadsPerCore, cfg.Topology.CoresPerDie,
		cfg.Topology.DiesPerSocket, cfg.Topology.Sockets)
	fmt.Printf("memory:  %d MiB (%s)\n", cfg.MemSizeMiB, cfg.MemType)
	for i, region := range cfg.NumaRegions {
		fmt.Printf("numa %d:  %d MiB, vcpus %v\n", i, region.MemSizeMiB, region.VcpuIDs)
	}

	if *dumpCpuid {
		if err := printCpuidTables(cfg); err != nil {
			return err
		}
	}
	if *dumpFdt != "" {
		if err := writeFdtPreview(cfg, *dumpFdt); err != nil {
			return err
		}
	}
	return nil
}

func printCpuidTables(cfg *vmconfig.Config) error {
	for id := uint8(0); id < cfg.VcpuCount; id++ {
		table, err := x86.IdentityTable(x86.VMSpec{
			VcpuID:         id,
			VcpuCount:      cfg.VcpuCount,
			ThreadsPerCore: cfg.Topology.ThreadsPerCore,
			CoresPerDie:    cfg.Topology.CoresPerDie,
			DiesPerSocket:  cfg.Topology.DiesPerSocket,
			Sockets:        cfg.Topology.Sockets,
			BrandString:    cfg.BrandString,
		}, x86.DefaultTemplate())
		if err != nil {
			return fmt.Errorf("vcpu %d: %w", id, err)
		}
		fmt.Printf("vcpu %d:\n", id)
		for _, entry := range table {
			fmt.Printf("  leaf %#010x.%d: eax=%#010x ebx=%#010x ecx=%#010x edx=%#010x\n",
				entry.Function, entry.Index, entry.Eax, entry.Ebx, entry.Ecx, entry.Edx)
		}
	}
	return nil
}

func writeFdtPreview(cfg *vmconfig.Config, path string) error {
	sizes := []uint64{cfg.MemSizeBytes()}
	var numaIDs []uint32
	if len(cfg.NumaRegions) > 0 {
		sizes = sizes[:0]
		for i, region := range cfg.NumaRegions {
			sizes = append(sizes, uint64(region.MemSizeMiB)<<20)
			numaIDs = append(numaIDs, uint32(i))
		}
	}
	guestMem, err := mem.NewAnonymous(arm64.DramStart, sizes, numaIDs)
	if err != nil {
		return err
	}
	defer guestMem.Close()

	mpidrs := make([]uint64, cfg.MaxVcpuCount)
	onlined := make([]uint32, cfg.MaxVcpuCount)
	for i := range mpidrs {
		mpidrs[i] = uint64(i%16) | uint64(i/16)<<8
		if i < int(cfg.VcpuCount) {
			onlined[i] = 1
		}
	}

	blob, err := arm64.CreateFDT(guestMem, arm64.VMInfo{
		Cmdline:       cfg.Cmdline,
		VcpuMpidrs:    mpidrs,
		BootOnlined:   onlined,
		VcpuNumaIDs:   cfg.VcpuNumaIDs(),
		MemoryNumaIDs: cfg.MemoryNumaIDs(),
		VpmuEnabled:   cfg.VpmuEnabled,
	}, arm64.GicInfo{
		Compatible: "arm,gic-v3",
		Properties: []uint64{
			previewGicDistBase, previewGicDistSize,
			previewGicRedistBase, previewGicRedistSize,
		},
		MaintIrq: 9,
	}, []arm64.DeviceInfo{
		{Kind: arm64.DeviceSerial, Base: previewSerialBase, Size: devices.Uart16550WindowSize, Irq: previewSerialIrq},
		{Kind: arm64.DeviceRTC, Base: previewRtcBase, Size: devices.Pl031WindowSize, Irq: previewRtcIrq},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return err
	}
	fmt.Printf("device tree: %d bytes at guest %#x -> %s\n",
		len(blob), arm64.FdtAddress(guestMem), path)
	return nil
}
