package device

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/securedfu/internal/config"
	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/keys"
	"github.com/muurk/securedfu/internal/transport"
	"github.com/muurk/securedfu/internal/updater"
)

func testProfile(t *testing.T) *config.Profile {
	t.Helper()
	p := config.Default()
	p.Flash.StateFile = filepath.Join(t.TempDir(), "flash.cbor")
	p.Server.ListenAddr = "127.0.0.1:0"
	p.Server.MetricsAddr = ""
	p.Server.Advertise = false
	p.Device.ID = 0x0BADCAFE
	return p
}

func devImage(t *testing.T, p *config.Profile, version string) []byte {
	t.Helper()
	key, err := keys.ParsePrivateKey(keys.DevPrivateKeyPEM())
	if err != nil {
		t.Fatal(err)
	}
	v, err := image.ParseVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	img, err := image.Build(bytes.Repeat([]byte(version), 700), image.BuildOptions{
		HeaderSize: p.Image.HeaderSize,
		LoadAddr:   p.Flash.Active.Start,
		Version:    v,
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDevice_Launch_SwapsSlots(t *testing.T) {
	p := testProfile(t)
	d, err := New(p, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	oldImg := devImage(t, p, "1.0.0")
	newImg := devImage(t, p, "2.0.0")
	d.Flash().Program(p.Flash.Active.Start, oldImg)
	d.Flash().Program(p.Flash.Candidate.Start, newImg)

	if got := d.ActiveVersion(); got != "1.0.0" {
		t.Fatalf("ActiveVersion() = %q, want 1.0.0", got)
	}
	if err := d.Launch(p.Flash.Candidate.Region()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if got := d.ActiveVersion(); got != "2.0.0" {
		t.Errorf("ActiveVersion() after swap = %q, want 2.0.0", got)
	}

	prev := make([]byte, len(oldImg))
	d.Flash().Read(p.Flash.Candidate.Start, prev)
	if !bytes.Equal(prev, oldImg) {
		t.Error("previous image should move to the candidate slot")
	}
	if _, err := os.Stat(p.Flash.StateFile); err != nil {
		t.Errorf("state file not written: %v", err)
	}

	// Booting the active slot changes nothing
	if err := d.Launch(p.Flash.Active.Region()); err != nil || d.ActiveVersion() != "2.0.0" {
		t.Errorf("Launch(active) = %v, version %q", err, d.ActiveVersion())
	}
}

func TestDevice_UpdateOverNetwork(t *testing.T) {
	p := testProfile(t)
	d, err := New(p, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	waitFor(t, "endpoint", func() bool { return d.Server().Addr() != nil })
	url := "ws://" + d.Server().Addr().String() + transport.DefaultPath

	client, err := transport.Dial(ctx, url, zap.NewNop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	img := devImage(t, p, "3.1.4")
	res, err := updater.New(client, updater.Options{Logger: zap.NewNop()}).Upload(ctx, img)
	client.Close()
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Report.DeviceID != 0x0BADCAFE {
		t.Errorf("device ID = 0x%08X, want 0x0BADCAFE", res.Report.DeviceID)
	}

	waitFor(t, "reboot", func() bool { return d.Boots() == 2 && !d.Server().Connected() })

	client, err = transport.Dial(ctx, url, zap.NewNop())
	if err != nil {
		t.Fatalf("Dial() after reboot error = %v", err)
	}
	defer client.Close()

	report := waitReport(t, ctx, client)
	if report.ActiveVersion != "3.1.4" {
		t.Errorf("active version after reboot = %q, want 3.1.4", report.ActiveVersion)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run() did not return")
	}

	// The swapped flash survives a restart
	restored, err := New(p, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if got := restored.ActiveVersion(); got != "3.1.4" {
		t.Errorf("restored active version = %q, want 3.1.4", got)
	}
}

// waitReport polls until the rebooted loop has its identity and answers
func waitReport(t *testing.T, ctx context.Context, c *transport.Client) *dfu.Report {
	t.Helper()
	c.SetTimeout(time.Second)
	for i := 0; i < 10; i++ {
		if report, err := updater.Status(ctx, c); err == nil {
			return report
		}
	}
	t.Fatal("device never answered GetState")
	return nil
}

func TestNew_RejectsInvalidProfile(t *testing.T) {
	p := testProfile(t)
	p.Flash.Candidate = config.Slot{Name: "app1", Start: p.Flash.Active.Start, Length: 0x1000}
	if _, err := New(p, zap.NewNop()); err == nil {
		t.Error("overlapping slots should be rejected")
	}

	p = testProfile(t)
	os.WriteFile(p.Flash.StateFile, []byte("not cbor"), 0600)
	if _, err := New(p, zap.NewNop()); err == nil {
		t.Error("corrupt state file should be rejected")
	}
}

func TestNew_LittleEndianCryptoBlock(t *testing.T) {
	p := testProfile(t)
	p.Image.ByteOrder = "little-endian"
	d, err := New(p, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	img := devImage(t, p, "1.2.3")
	d.Flash().Program(p.Flash.Candidate.Start, img)
	if _, err := d.verifier.Verify(d.Flash(), p.Flash.Candidate.Region()); err != nil {
		t.Errorf("Verify() through the little-endian block error = %v", err)
	}
}
