// Command inject-probe publishes a final transcript through the text
// injection sink after a short countdown. Focus a text editor before the
// countdown finishes.
//
// Usage:
//
//	go run ./cmd/inject-probe [-method type|paste] [-text "..."]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/localwhisper/internal/sink"
)

func main() {
	method := flag.String("method", "type", "inject method: type or paste")
	text := flag.String("text", "Hello from localwhisper!", "text to inject")
	delay := flag.Duration("delay", 3*time.Second, "time to focus the target window")
	flag.Parse()

	fmt.Printf("Injecting %q with %q in %s, focus a text editor now.\n", *text, *method, *delay)
	time.Sleep(*delay)

	inj := sink.NewInjector(*method, nil)
	err := inj.Publish(context.Background(), sink.Event{
		Kind: sink.KindFinal,
		Text: *text,
		Time: time.Now(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "inject:", err)
		os.Exit(1)
	}
}
