package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/securedfu/internal/config"
	"github.com/muurk/securedfu/internal/dfu"
	"github.com/muurk/securedfu/internal/digest"
	"github.com/muurk/securedfu/internal/discovery"
	"github.com/muurk/securedfu/internal/image"
	"github.com/muurk/securedfu/internal/keys"
	"github.com/muurk/securedfu/internal/logging"
	"github.com/muurk/securedfu/internal/mailbox"
	"github.com/muurk/securedfu/internal/metrics"
	"github.com/muurk/securedfu/internal/nvm"
	"github.com/muurk/securedfu/internal/transport"
	"github.com/muurk/securedfu/internal/verify"
)

// Device is a simulated dual-core board: the update loop on one core, the
// identity owner on the other, and the flash both share.
type Device struct {
	profile *config.Profile
	logger  *zap.Logger

	flash    *nvm.MemFlash
	storage  *nvm.Controller
	verifier *verify.Verifier
	link     *mailbox.Link
	peer     *mailbox.Peer
	server   *transport.Server
	metrics  *metrics.Metrics

	mu    sync.Mutex
	boots int
}

// New builds a device from a validated profile. Flash contents are restored
// from the profile's state file when it exists.
func New(p *config.Profile, logger *zap.Logger) (*Device, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid device profile: %w", err)
	}
	logger = logging.Or(logger)

	flash, err := nvm.NewMemFlash(p.Flash.RowSize, p.Banks()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash: %w", err)
	}
	if p.Flash.StateFile != "" {
		err := flash.LoadFile(p.Flash.StateFile)
		switch {
		case err == nil:
			logger.Info("Restored flash contents", zap.String("file", p.Flash.StateFile))
		case errors.Is(err, os.ErrNotExist):
			logger.Info("No saved flash contents, starting blank", zap.String("file", p.Flash.StateFile))
		default:
			return nil, err
		}
	}

	guard, err := nvm.NewGuard(p.Layout())
	if err != nil {
		return nil, err
	}

	pub := keys.DevPublicKey()
	if p.Image.PublicKeyFile != "" {
		if pub, err = keys.LoadPublicKeyFile(p.Image.PublicKeyFile); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("Using the embedded development key; do not ship this configuration")
	}

	var ec verify.ECDSA = verify.Software{}
	if p.Image.ByteOrder == verify.LittleEndian.String() {
		ec = verify.CryptoBlock{}
	}
	verifier, err := verify.New(verify.Config{HeaderSize: p.Image.HeaderSize, PublicKey: pub},
		digest.NewSoftware(), ec, logger)
	if err != nil {
		return nil, err
	}

	link := mailbox.NewLink(p.Mailbox.LockTimeout)
	m := metrics.New()
	m.WatchMailbox(link.ToOwner)
	m.WatchMailbox(link.ToValidator)

	server := transport.NewServer(transport.ServerConfig{Addr: p.Server.ListenAddr}, logger)
	if p.Server.MetricsAddr == "" {
		server.Handle("/metrics", m.Handler())
	}

	return &Device{
		profile:  p,
		logger:   logger,
		flash:    flash,
		storage:  nvm.NewController(guard, flash),
		verifier: verifier,
		link:     link,
		peer:     mailbox.NewPeer(link, p.Device.ID, logger),
		server:   server,
		metrics:  m,
	}, nil
}

// Flash returns the simulated memory
func (d *Device) Flash() *nvm.MemFlash {
	return d.flash
}

// Server returns the update endpoint
func (d *Device) Server() *transport.Server {
	return d.server
}

// Metrics returns the device's collectors
func (d *Device) Metrics() *metrics.Metrics {
	return d.metrics
}

// Boots returns how many times the update loop has started
func (d *Device) Boots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boots
}

// ActiveVersion returns the version of the image in the active slot, or ""
// when the slot holds no image.
func (d *Device) ActiveVersion() string {
	var buf [image.HeaderFieldsSize]byte
	if err := d.flash.Read(d.profile.Flash.Active.Start, buf[:]); err != nil {
		return ""
	}
	hdr, err := image.ParseHeader(buf[:])
	if err != nil || hdr.Magic != image.HeaderMagic {
		return ""
	}
	return hdr.Version.String()
}

// Launch implements dfu.Launcher. Booting the candidate swaps the two slots
// the way the bootloader does, so the new image becomes the active one and
// the previous image is kept in the candidate slot.
func (d *Device) Launch(slot nvm.Region) error {
	active := d.profile.Flash.Active.Region()
	if slot == active {
		d.logger.Info("Booting the active image", zap.Stringer("slot", slot))
		return nil
	}

	n := min(slot.Length, active.Length)
	a := make([]byte, n)
	b := make([]byte, n)
	if err := d.flash.Read(active.Start, a); err != nil {
		return fmt.Errorf("failed to read %s: %w", active, err)
	}
	if err := d.flash.Read(slot.Start, b); err != nil {
		return fmt.Errorf("failed to read %s: %w", slot, err)
	}
	if err := d.flash.Program(active.Start, b); err != nil {
		return fmt.Errorf("failed to program %s: %w", active, err)
	}
	if err := d.flash.Program(slot.Start, a); err != nil {
		return fmt.Errorf("failed to program %s: %w", slot, err)
	}

	d.logger.Info("Swapped slots, booting the new image",
		zap.Stringer("from", slot),
		zap.String("version", d.ActiveVersion()),
	)
	return d.save()
}

func (d *Device) save() error {
	path := d.profile.Flash.StateFile
	if path == "" {
		return nil
	}
	if err := d.flash.SaveFile(path); err != nil {
		return err
	}
	d.logger.Debug("Saved flash contents", zap.String("file", path))
	return nil
}

// boot creates the update loop for one power cycle
func (d *Device) boot() (*dfu.Engine, error) {
	u := d.profile.Update
	engine, err := dfu.NewEngine(dfu.Config{
		PollInterval:      u.PollInterval,
		InactivityTimeout: u.InactivityTimeout,
		Candidate:         d.profile.Flash.Candidate.Region(),
		FailOpen:          u.FailOpen,
		WaitForIdentity:   u.WaitForIdentity,
	}, d.server, d.storage, d.flash, d.verifier, d,
		dfu.WithIdentity(mailbox.NewIdentity(d.link)),
		dfu.WithObserver(d.metrics),
		dfu.WithLogger(d.logger),
	)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.boots++
	d.mu.Unlock()
	return engine, nil
}

// runLoop reboots the update loop every time it hands control to an image
func (d *Device) runLoop(ctx context.Context) error {
	for {
		engine, err := d.boot()
		if err != nil {
			return err
		}
		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("update loop halted: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Info("Rebooting", zap.String("active_version", d.ActiveVersion()))
	}
}

// Run starts both cores, the update endpoint and the optional metrics and
// mDNS services, and blocks until ctx is cancelled or the update loop
// halts on a fatal error. Flash contents are saved on the way out.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.peer.Run(ctx) })
	g.Go(func() error { return d.server.ListenAndServe(ctx) })
	g.Go(func() error { return d.runLoop(ctx) })

	if addr := d.profile.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr, d.metrics.Handler(), d.logger) })
	}
	if d.profile.Server.Advertise {
		g.Go(func() error { return d.advertise(ctx) })
	}

	err := g.Wait()
	if serr := d.save(); serr != nil {
		d.logger.Error("Failed to save flash contents", zap.Error(serr))
	}
	return err
}

func (d *Device) advertise(ctx context.Context) error {
	_, portStr, err := net.SplitHostPort(d.profile.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", d.profile.Server.ListenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port == 0 {
		d.logger.Warn("Not advertising: listen address has no fixed port",
			zap.String("addr", d.profile.Server.ListenAddr))
		return nil
	}

	err = discovery.Advertise(ctx, discovery.Advertisement{
		Instance: d.profile.Device.Name,
		Port:     port,
		ID:       d.profile.Device.ID,
		Version:  d.ActiveVersion(),
		Path:     transport.DefaultPath,
	}, d.logger)
	if err != nil {
		// The device still works without mDNS
		d.logger.Warn("mDNS advertisement unavailable", zap.Error(err))
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", addr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
