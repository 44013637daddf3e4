// Synapse CLI - drive the bridge from the command line: submit tasks,
// run the demo walk, and dump diagnostic snapshots.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/synapse/bridge"
	"github.com/chazu/synapse/vm"
)

func main() {
	configDir := flag.String("config", "", "Directory containing synapse.toml (searched upward from cwd if empty)")
	workers := flag.Int("workers", 0, "Worker pool size (overrides config)")
	verbosity := flag.Int("v", 0, "Log verbosity")
	taskPath := flag.String("task", "", "Submit the JSON task in this file and print the response")
	snapshotPath := flag.String("snapshot", "", "Write a CBOR bridge snapshot to this file before exit")
	demo := flag.Bool("demo", false, "Run the bridge demo walk")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: synapse [options]\n\n")
		fmt.Fprintf(os.Stderr, "Drives the Synapse bridge: worker tasks, shared memory, proxies.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  synapse -task echo.json          # Submit a task, print the response\n")
		fmt.Fprintf(os.Stderr, "  synapse -demo -v 1               # Walk the bridge end to end\n")
		fmt.Fprintf(os.Stderr, "  synapse -demo -snapshot out.cbor # Dump bookkeeping after the walk\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Bridge.MaxWorkers = *workers
	}

	b := bridge.New(vm.NewObjectSpace())
	if err := b.Initialize(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing bridge: %v\n", err)
		os.Exit(1)
	}
	defer b.Shutdown()

	if *taskPath != "" {
		if err := submitTaskFile(b, *taskPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if *demo {
		if err := runDemo(b); err != nil {
			fmt.Fprintf(os.Stderr, "Demo failed: %v\n", err)
			os.Exit(1)
		}
	}

	if *snapshotPath != "" {
		if err := writeSnapshot(b, *snapshotPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			os.Exit(1)
		}
	}

	if *taskPath == "" && !*demo && *snapshotPath == "" {
		flag.Usage()
		os.Exit(2)
	}
}

func loadConfig(dir string) (bridge.Config, error) {
	if dir != "" {
		return bridge.LoadConfig(dir)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return bridge.DefaultConfig(), err
	}
	return bridge.FindAndLoad(cwd)
}

// submitTaskFile round-trips a task through shared memory buffers the
// way a C ABI caller would, rather than calling Submit directly.
func submitTaskFile(b *bridge.Bridge, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	task, err := bridge.Decode(data)
	if err != nil {
		return err
	}

	request, err := b.CreateSharedMemory(uint64(len(data)) + 1)
	if err != nil {
		return err
	}
	defer b.DestroySharedMemory(&request)

	response, err := b.CreateSharedMemory(64 * 1024)
	if err != nil {
		return err
	}
	defer b.DestroySharedMemory(&response)

	if err := b.WriteJSON(request, task); err != nil {
		return err
	}
	if err := b.SubmitJSONTask(request, response); err != nil {
		return fmt.Errorf("%w (detail: %s)", err, b.LastErrorString())
	}

	result, err := b.ReadJSON(response)
	if err != nil {
		return err
	}
	out, err := bridge.Encode(result)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runDemo walks the bridge end to end: shared memory round trip, a
// worker echo, and a proxy get/set against a live object.
func runDemo(b *bridge.Bridge) error {
	// Shared memory round trip.
	h, err := b.CreateSharedMemory(256)
	if err != nil {
		return err
	}
	payload := bridge.ObjectValue(map[string]bridge.Value{
		"a": bridge.NumberValue(1),
	})
	if err := b.WriteJSON(h, payload); err != nil {
		return err
	}
	back, err := b.ReadJSON(h)
	if err != nil {
		return err
	}
	fmt.Printf("shared memory round trip: %v\n", bridge.Equal(payload, back))
	if err := b.DestroySharedMemory(&h); err != nil {
		return err
	}

	// Worker echo.
	task := bridge.ObjectValue(map[string]bridge.Value{
		"operation": bridge.StringValue("echo"),
		"value":     bridge.NumberValue(42),
	})
	result, err := b.Submit(task)
	if err != nil {
		return err
	}
	fmt.Printf("worker echo: %v\n", bridge.Equal(task, result))

	// Proxy over a live object.
	space := b.Space()
	master := space.NewObject()
	master.SetSlot("count", vm.NumberValue(1))

	proxy, err := b.NewProxy(master.ID)
	if err != nil {
		return err
	}
	defer proxy.Close()

	before, err := proxy.Get("count")
	if err != nil {
		return err
	}
	if err := proxy.Set("count", bridge.NumberValue(2)); err != nil {
		return err
	}
	after, err := proxy.Get("count")
	if err != nil {
		return err
	}
	fmt.Printf("proxy count: %s -> %s\n", formatValue(before), formatValue(after))

	// Slot introspection through the worker pool.
	names, err := b.Submit(bridge.ObjectValue(map[string]bridge.Value{
		"operation": bridge.StringValue("slots"),
		"target":    bridge.StringValue(master.ID),
	}))
	if err != nil {
		return err
	}
	fmt.Printf("master slots: %s\n", formatValue(names))
	return nil
}

func formatValue(v bridge.Value) string {
	out, err := bridge.Encode(v)
	if err != nil {
		return "?"
	}
	return string(out)
}

func writeSnapshot(b *bridge.Bridge, path string) error {
	data, err := bridge.MarshalSnapshot(b.TakeSnapshot())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
