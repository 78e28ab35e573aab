// Command hotkey-probe prints the events produced by the global hotkey
// listener, using the keys from the config file. Use it to check that
// the combos are picked up before running localwhisper.
//
// Usage:
//
//	go run ./cmd/hotkey-probe [-config path] [-mode hold|toggle]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/localwhisper/internal/config"
	"github.com/chaz8081/localwhisper/internal/hotkey"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mode := flag.String("mode", "", "override hotkey.mode: hold or toggle")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *mode != "" {
		cfg.Hotkey.Mode = *mode
	}

	fmt.Printf("Record: %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	if len(cfg.Hotkey.CancelKeys) > 0 {
		fmt.Printf("Cancel: %s\n", strings.Join(cfg.Hotkey.CancelKeys, "+"))
	}
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.CancelKeys, cfg.Hotkey.Mode)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		listener.Stop()
	}()

	go func() {
		for ev := range listener.Events() {
			fmt.Println(ev.Type)
		}
	}()

	listener.Start()
}
