package main

import (
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ascrivener/corevm/pkg/corevm"
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/storage"
)

func main() {
	dataPath := flag.String("data-path", "./data", "Path to the data directory")
	gasPerMessage := flag.Uint64("gas-per-message", 1, "Gas RefMachine charges per consumed inbox message")
	gasBudget := flag.Uint64("gas-budget", 1_000_000_000, "Gas budget for a freshly initialized machine")

	flag.Parse()

	store, err := storage.Open(*dataPath)
	if err != nil {
		log.Fatalf("Failed to open storage at %s: %v", *dataPath, err)
	}

	genesis := func() machine.MachineThread {
		return machine.NewRefMachine(new(big.Int).SetUint64(*gasBudget), *gasPerMessage)
	}
	factory := func(snap machine.Snapshot) machine.MachineThread {
		return machine.FromSnapshot(snap, *gasPerMessage)
	}

	vm, err := corevm.Open(store, genesis, factory, log.Default())
	if err != nil {
		log.Fatalf("Failed to open corevm: %v", err)
	}

	log.Printf("corevmd running against %s", *dataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down")
	if err := vm.Close(); err != nil {
		log.Fatalf("Failed to close corevm: %v", err)
	}
}
