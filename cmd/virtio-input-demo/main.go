// Command virtio-input-demo builds virtio-input keyboard and mouse devices
// over an in-process guest ring, walks the config-space handshake, and
// round-trips injected events the way a guest driver would see them. With
// -capture it forwards live terminal keystrokes through the keyboard device.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ericcurtin/libkrun/internal/devices/virtio"
	"github.com/ericcurtin/libkrun/internal/hostinput"
)

type deviceProfile struct {
	Name   string `yaml:"name"`
	Serial string `yaml:"serial"`
}

type profile struct {
	Keyboard deviceProfile `yaml:"keyboard"`
	Mouse    deviceProfile `yaml:"mouse"`
}

func defaultProfile() profile {
	return profile{
		Keyboard: deviceProfile{Name: "virtio-keyboard", Serial: "keyboard-1"},
		Mouse:    deviceProfile{Name: "virtio-mouse", Serial: "mouse-1"},
	}
}

func loadProfile(path string) (profile, error) {
	p := defaultProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "virtio-input-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	profilePath := flag.String("profile", "", "YAML device profile")
	capture := flag.Bool("capture", false, "forward live terminal keystrokes to the keyboard device")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	prof, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}

	keyboard, err := virtio.NewInput(virtio.DeviceKeyboard, prof.Keyboard.Name, prof.Keyboard.Serial)
	if err != nil {
		return err
	}
	mouse, err := virtio.NewInput(virtio.DeviceMouse, prof.Mouse.Name, prof.Mouse.Serial)
	if err != nil {
		return err
	}

	fmt.Println("== config-space handshake ==")
	for _, dev := range []*virtio.Input{keyboard, mouse} {
		if err := showIdentity(dev); err != nil {
			return err
		}
	}

	fmt.Println("== event round-trip ==")
	kbdDriver, err := startDevice(keyboard)
	if err != nil {
		return err
	}
	defer kbdDriver.close()
	mouseDriver, err := startDevice(mouse)
	if err != nil {
		return err
	}
	defer mouseDriver.close()

	for _, c := range []uint16{virtio.KEY_H, virtio.KEY_E, virtio.KEY_L, virtio.KEY_L, virtio.KEY_O} {
		keyboard.SendKey(c, true)
		keyboard.SendKey(c, false)
	}
	showDelivered(kbdDriver, "keyboard")

	mouse.SendRelMotion(virtio.REL_X, 12)
	mouse.SendRelMotion(virtio.REL_Y, -7)
	mouse.SendSynReport()
	mouse.SendKey(virtio.BTN_LEFT, true)
	mouse.SendKey(virtio.BTN_LEFT, false)
	showDelivered(mouseDriver, "mouse")

	if *capture {
		return runCapture(keyboard, kbdDriver)
	}
	return nil
}

func showIdentity(dev *virtio.Input) error {
	name, err := readConfigString(dev, virtio.VIRTIO_INPUT_CFG_ID_NAME)
	if err != nil {
		return err
	}
	serial, err := readConfigString(dev, virtio.VIRTIO_INPUT_CFG_ID_SERIAL)
	if err != nil {
		return err
	}

	dev.WriteConfig(0, []byte{virtio.VIRTIO_INPUT_CFG_ID_DEVIDS, 0})
	var record [136]byte
	dev.ReadConfig(0, record[:])
	ids := record[8 : 8+record[2]]

	fmt.Printf("%s: name=%q serial=%q devids=%x\n", dev.DeviceName(), name, serial, ids)
	return nil
}

func readConfigString(dev *virtio.Input, selector uint8) (string, error) {
	dev.WriteConfig(0, []byte{selector, 0})
	var record [136]byte
	dev.ReadConfig(0, record[:])
	size := record[2]
	if int(size) > len(record)-8 {
		return "", fmt.Errorf("config record size %d out of range", size)
	}
	return string(record[8 : 8+size]), nil
}

func showDelivered(d *guestDriver, label string) {
	for _, ev := range d.collectUsed() {
		fmt.Printf("%s event: type=%#x code=%#x value=%d\n", label, ev.Type, ev.Code, ev.Value)
	}
	d.repostBuffers()
}

func runCapture(keyboard *virtio.Input, d *guestDriver) error {
	tc, err := hostinput.NewTerminalCapture(os.Stdin)
	if err != nil {
		return err
	}
	defer tc.Close()

	fmt.Print("capturing keystrokes, Ctrl-C to stop\r\n")

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, ev := range d.collectUsed() {
					fmt.Printf("guest sees: type=%#x code=%#x value=%d\r\n", ev.Type, ev.Code, ev.Value)
				}
				d.repostBuffers()
			}
		}
	}()
	defer close(done)

	return tc.Run(keyboard)
}
