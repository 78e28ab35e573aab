package sink

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-vgo/robotgo"
)

// Keyboard is the desktop automation the Injector drives.
type Keyboard interface {
	Type(text string)
	ReadClipboard() (string, error)
	WriteClipboard(text string) error
	KeyTap(key string, modifier string) error
}

// RobotgoKeyboard drives the real keyboard and clipboard.
type RobotgoKeyboard struct{}

func (RobotgoKeyboard) Type(text string)                 { robotgo.Type(text) }
func (RobotgoKeyboard) ReadClipboard() (string, error)   { return robotgo.ReadAll() }
func (RobotgoKeyboard) WriteClipboard(text string) error { return robotgo.WriteAll(text) }
func (RobotgoKeyboard) KeyTap(key, modifier string) error {
	return robotgo.KeyTap(key, modifier)
}

// Injector types or pastes final transcripts into the active application.
// Partial transcripts are ignored.
type Injector struct {
	method string // "type" or "paste"
	kb     Keyboard
}

// NewInjector creates an Injector. method must be "type" (keystroke
// simulation) or "paste" (clipboard).
func NewInjector(method string, kb Keyboard) *Injector {
	if kb == nil {
		kb = RobotgoKeyboard{}
	}
	return &Injector{method: method, kb: kb}
}

func (inj *Injector) Name() string { return "inject" }

// Publish injects the text of a final event.
func (inj *Injector) Publish(_ context.Context, ev Event) error {
	if ev.Kind != KindFinal || ev.Text == "" {
		return nil
	}

	switch inj.method {
	case "paste":
		return inj.paste(ev.Text)
	default: // "type"
		inj.kb.Type(ev.Text)
		return nil
	}
}

func (inj *Injector) Close() error { return nil }

// paste writes text to the clipboard, sends the paste shortcut and then
// restores the previous clipboard contents (best effort).
func (inj *Injector) paste(text string) error {
	prev, _ := inj.kb.ReadClipboard()

	if err := inj.kb.WriteClipboard(text); err != nil {
		return fmt.Errorf("inject: write to clipboard: %w", err)
	}
	mod := pasteModifier()
	if err := inj.kb.KeyTap("v", mod); err != nil {
		return fmt.Errorf("inject: key tap %s+v: %w", mod, err)
	}

	_ = inj.kb.WriteClipboard(prev)
	return nil
}

func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
