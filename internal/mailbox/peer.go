package mailbox

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// DefaultDeviceID is the identifier served when none is configured
const DefaultDeviceID uint32 = 0xAA55AA55

// Peer runs on the core that owns the protected identifier and answers
// requests arriving on the link.
type Peer struct {
	link     *Link
	deviceID uint32
	logger   *zap.Logger
}

// NewPeer creates a peer serving deviceID over link
func NewPeer(link *Link, deviceID uint32, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		link:     link,
		deviceID: deviceID,
		logger:   logger.Named("peer"),
	}
}

// Run serves requests until ctx is cancelled
func (p *Peer) Run(ctx context.Context) error {
	inbox := p.link.ToOwner
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inbox.Notify():
		}

		for {
			word, ok := inbox.TryTake()
			if !ok {
				break
			}
			if err := p.handle(ctx, word); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				p.logger.Warn("Reply not delivered", zap.Error(err))
			}
		}
	}
}

func (p *Peer) handle(ctx context.Context, word uint32) error {
	switch cmd := word & CmdMask; cmd {
	case CmdReadData:
		p.logger.Debug("Serving device identifier")
		return p.link.ToValidator.Send(ctx, p.deviceID)
	default:
		p.logger.Warn("Unknown mailbox command", zap.Uint32("command", cmd))
		return nil
	}
}

// DefaultRetryPolls is how many empty polls Identity waits for a reply
// before it allows the request to be sent again.
const DefaultRetryPolls = 25

// Identity fetches the device identifier from the peer on behalf of the
// validating core. Poll never blocks, so it can be called from the update
// loop on every step. A reply that never arrives (a lost word or a failed
// reply send) expires the request after RetryPolls polls.
type Identity struct {
	link       *Link
	RetryPolls int

	id        uint32
	have      bool
	requested bool
	waits     int
	attempts  int
}

// NewIdentity creates an identity client over link
func NewIdentity(link *Link) *Identity {
	return &Identity{link: link, RetryPolls: DefaultRetryPolls}
}

// Request asks the peer for the identifier
func (c *Identity) Request(ctx context.Context) error {
	if err := c.link.ToOwner.Send(ctx, CmdReadData); err != nil {
		return err
	}
	c.requested = true
	c.waits = 0
	c.attempts++
	return nil
}

// Requested reports whether a request is outstanding
func (c *Identity) Requested() bool {
	return c.requested
}

// Attempts returns the number of requests sent
func (c *Identity) Attempts() int {
	return c.attempts
}

// Ready is signalled when a reply may be waiting
func (c *Identity) Ready() <-chan struct{} {
	return c.link.ToValidator.Notify()
}

// Poll returns the identifier once it has arrived
func (c *Identity) Poll() (uint32, bool) {
	if c.have {
		return c.id, true
	}
	if word, ok := c.link.ToValidator.TryTake(); ok {
		c.id, c.have, c.requested = word, true, false
		return c.id, true
	}
	if c.requested {
		c.waits++
		if c.RetryPolls > 0 && c.waits >= c.RetryPolls {
			c.requested = false
		}
	}
	return 0, false
}
