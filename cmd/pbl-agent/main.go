// Command pbl-agent is a host-side stand-in for the board's hardware
// receive loop: it opens the serial link, emits the wake word, accepts a
// kernel image and Multiboot information block into a bounded in-memory
// window, and records (rather than performs) the final jump to the
// kernel's entry point. It exists to exercise pbl-server end to end on a
// development machine before flashing real firmware, whose entry handoff
// is architecture-specific assembly outside the reach of portable Go.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/eryjus/pi-bootloader/internal/agentloop"
	"github.com/eryjus/pi-bootloader/internal/link"
)

func main() {
	device := flag.String("device", "/dev/ttyUSB0", "serial character device to open")
	memBase := flag.Uint("mem-base", 0, "lowest physical address covered by the simulated RAM window")
	memSize := flag.Uint("mem-size", 16*1024*1024, "size in bytes of the simulated RAM window")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	oneShot := flag.Bool("one-shot", false, "exit after the first completed handoff instead of looping for another wake cycle")
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	lnk, err := link.Open(*device)
	if err != nil {
		logger.Error("failed to open link", slog.String("device", *device), slog.Any("error", err))
		os.Exit(1)
	}
	defer lnk.Close()

	mem := agentloop.NewRAM(uint32(*memBase), uint32(*memSize))
	invoker := &agentloop.RecordingInvoker{}

	loop := agentloop.New(lnk, mem, invoker, logger, agentloop.WithBanner(os.Stdout))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			return
		default:
		}

		if err := loop.Run(); err != nil {
			logger.Error("boot cycle aborted", slog.Any("error", err))
			if *oneShot {
				os.Exit(1)
			}
			continue
		}

		logger.Info("handoff recorded",
			slog.String("entry", fmt.Sprintf("%#x", invoker.EntryVA)),
			slog.String("mbi", fmt.Sprintf("%#x", invoker.MBIAddr)),
		)

		if *oneShot {
			return
		}
		invoker.Invoked = false
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
