// Package interactive provides the interactive console of cribcall-monitor.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/cribcall/cribcall-go/pkg/pairing"
	"github.com/cribcall/cribcall-go/pkg/service"
	"github.com/cribcall/cribcall-go/pkg/trust"
	"github.com/cribcall/cribcall-go/pkg/wire"
)

const prompt = "monitor> "

// ErrAmbiguousPeer means a fingerprint prefix matched more than one peer.
var ErrAmbiguousPeer = errors.New("fingerprint prefix matches several peers")

// confirmRequest is a pairing waiting for the operator's answer.
type confirmRequest struct {
	pending pairing.PendingPairing
	reply   chan bool
}

// Console is the monitor's readline console. It also confirms pairings:
// while a pairing waits, the next line typed is the answer.
type Console struct {
	rl  *readline.Instance
	svc *service.MonitorService

	mu      sync.Mutex
	confirm *confirmRequest
}

var _ pairing.Confirmer = (*Console)(nil)

// New creates a console on the terminal.
func New() (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Attach binds the console to a service and subscribes to its events.
func (c *Console) Attach(svc *service.MonitorService) {
	c.svc = svc
	svc.OnEvent(c.handleEvent)
}

// Stdout returns a writer that does not garble the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Stderr returns a writer that does not garble the prompt.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// Close releases the terminal and ends Run.
func (c *Console) Close() {
	_ = c.rl.Close()
}

// ConfirmPairing asks the operator to compare the code shown on the listener.
func (c *Console) ConfirmPairing(ctx context.Context, p pairing.PendingPairing) (bool, error) {
	req := &confirmRequest{pending: p, reply: make(chan bool, 1)}

	c.mu.Lock()
	if c.confirm != nil {
		c.mu.Unlock()
		return false, nil
	}
	c.confirm = req
	c.mu.Unlock()

	name := p.ListenerName
	if name == "" {
		name = p.ListenerDeviceID
	}
	fmt.Fprintf(c.rl.Stdout(), "\nListener %q (%s) wants to pair.\n", name, shortFingerprint(p.Fingerprint))
	c.rl.SetPrompt(fmt.Sprintf("Confirm code %s? [y/N] ", p.ComparisonCode))
	c.rl.Refresh()

	defer func() {
		c.mu.Lock()
		if c.confirm == req {
			c.confirm = nil
		}
		c.mu.Unlock()
		c.rl.SetPrompt(prompt)
		c.rl.Refresh()
	}()

	select {
	case ok := <-req.reply:
		return ok, nil
	case <-ctx.Done():
		fmt.Fprintln(c.rl.Stdout(), "Pairing confirmation timed out.")
		return false, ctx.Err()
	}
}

// answer routes a line to a waiting confirmation. It reports whether the
// line was consumed.
func (c *Console) answer(line string) bool {
	c.mu.Lock()
	req := c.confirm
	c.confirm = nil
	c.mu.Unlock()
	if req == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		req.reply <- true
	default:
		req.reply <- false
	}
	return true
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				// ^C declines a waiting pairing.
				c.answer("n")
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		if c.answer(line) {
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()
		case "pin":
			c.cmdPIN()
		case "cancel":
			c.svc.CancelPairing()
			fmt.Fprintln(c.rl.Stdout(), "Pairing session cancelled.")
		case "qr":
			c.cmdQR(args)
		case "peers", "p":
			c.cmdPeers()
		case "conns", "c":
			c.cmdConns()
		case "subs":
			c.cmdSubs()
		case "revoke":
			c.cmdRevoke(args)
		case "noise", "n":
			c.cmdNoise(ctx, args)
		case "regen":
			c.cmdRegen(ctx, args)
		case "status":
			c.cmdStatus()
		case "quit", "exit", "q":
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(c.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.rl.Stdout(), `
CribCall Monitor Commands:
  Pairing:
    pin                - Open a PIN pairing session
    cancel             - Cancel the active pairing session
    qr [token]         - Print the QR payload (with a pairing token if given "token")

  Peers:
    peers              - List trusted listeners
    conns              - List open control channels
    subs               - List noise subscriptions
    revoke <fp>        - Revoke a listener by fingerprint (prefix allowed)

  Noise:
    noise <level>      - Publish a noise event with peak level 0-100

  Identity:
    regen confirm      - Regenerate the identity (drops every pairing)
    status             - Show monitor status

  General:
    help               - Show this help
    quit               - Exit monitor`)
}

func (c *Console) cmdPIN() {
	session, err := c.svc.StartPINPairing()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "PIN: %s (expires in %s)\n",
		session.PIN, time.Until(session.ExpiresAt).Round(time.Second))
}

func (c *Console) cmdQR(args []string) {
	withToken := len(args) > 0 && args[0] == "token"
	payload, err := c.svc.QRPayload(withToken)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	data, err := payload.Encode()
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.rl.Stdout(), data)
}

func (c *Console) cmdPeers() {
	peers := c.svc.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No trusted listeners.")
		return
	}
	for _, p := range peers {
		added := time.Unix(p.AddedAtEpochSec, 0).Format(time.RFC3339)
		fmt.Fprintf(c.rl.Stdout(), "  %s  %-20s %s  added %s\n",
			shortFingerprint(p.CertFingerprint), p.Name, p.RemoteDeviceID, added)
	}
}

func (c *Console) cmdConns() {
	conns := c.svc.Connections()
	if len(conns) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No open channels.")
		return
	}
	for _, ci := range conns {
		fmt.Fprintf(c.rl.Stdout(), "  %s  %s  %s  since %s\n",
			shortID(ci.ID), shortFingerprint(ci.Fingerprint), ci.RemoteAddr, ci.Since.Format(time.Kitchen))
	}
}

func (c *Console) cmdSubs() {
	subs := c.svc.Subscriptions()
	if len(subs) == 0 {
		fmt.Fprintln(c.rl.Stdout(), "No noise subscriptions.")
		return
	}
	for _, s := range subs {
		fmt.Fprintf(c.rl.Stdout(), "  %s  %s  %s  expires %s\n",
			shortID(s.SubscriptionID), s.DeviceID, s.Platform,
			time.Unix(s.ExpiresAtEpochSec, 0).Format(time.RFC3339))
	}
}

func (c *Console) cmdRevoke(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: revoke <fingerprint>")
		return
	}
	peer, err := FindPeer(c.svc.Peers(), args[0])
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	if c.svc.Revoke(peer.CertFingerprint) {
		fmt.Fprintf(c.rl.Stdout(), "Revoked %s.\n", shortFingerprint(peer.CertFingerprint))
	}
}

func (c *Console) cmdNoise(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.rl.Stdout(), "Usage: noise <level>")
		return
	}
	level, err := strconv.Atoi(args[0])
	if err != nil || level < 0 || level > 100 {
		fmt.Fprintln(c.rl.Stdout(), "Level must be 0-100.")
		return
	}
	res, err := c.svc.PublishNoise(ctx, wire.NoiseEvent{PeakLevel: level})
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "Sent to %d channels, %d notified, %d skipped, %d failed.\n",
		res.Broadcast, res.Notified, res.Skipped, res.Failed)
}

func (c *Console) cmdRegen(ctx context.Context, args []string) {
	if len(args) != 1 || args[0] != "confirm" {
		fmt.Fprintln(c.rl.Stdout(), "This drops every pairing. Type 'regen confirm' to proceed.")
		return
	}
	id, err := c.svc.RegenerateIdentity(ctx)
	if err != nil {
		fmt.Fprintf(c.rl.Stdout(), "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.rl.Stdout(), "New fingerprint: %s\n", id.CertFingerprint)
}

func (c *Console) cmdStatus() {
	id := c.svc.Identity()
	fmt.Fprintf(c.rl.Stdout(), "State:        %s\n", c.svc.State())
	if id != nil {
		fmt.Fprintf(c.rl.Stdout(), "Device ID:    %s\n", id.DeviceID)
		fmt.Fprintf(c.rl.Stdout(), "Fingerprint:  %s\n", id.CertFingerprint)
	}
	if addr := c.svc.ControlAddr(); addr != nil {
		fmt.Fprintf(c.rl.Stdout(), "Control:      %s\n", addr)
	}
	if addr := c.svc.PairingAddr(); addr != nil {
		fmt.Fprintf(c.rl.Stdout(), "Pairing:      %s\n", addr)
	}
	fmt.Fprintf(c.rl.Stdout(), "Peers:        %d\n", len(c.svc.Peers()))
	fmt.Fprintf(c.rl.Stdout(), "Channels:     %d\n", len(c.svc.Connections()))
	fmt.Fprintf(c.rl.Stdout(), "Subscribers:  %d\n", len(c.svc.Subscriptions()))
}

func (c *Console) handleEvent(e service.Event) {
	switch e.Type {
	case service.EventPaired:
		name := ""
		if e.Peer != nil {
			name = e.Peer.Name
		}
		fmt.Fprintf(c.rl.Stdout(), "[paired] %s %s\n", name, shortFingerprint(e.Fingerprint))
	case service.EventUnpaired:
		fmt.Fprintf(c.rl.Stdout(), "[unpaired] %s\n", shortFingerprint(e.Fingerprint))
	case service.EventPairingSession:
		if e.Session != nil && e.Session.State.Terminal() {
			fmt.Fprintf(c.rl.Stdout(), "[pairing] session %s\n", e.Session.State)
		}
	case service.EventIdentityRegenerated:
		fmt.Fprintf(c.rl.Stdout(), "[identity] regenerated %s\n", shortFingerprint(e.Fingerprint))
	}
}

// FindPeer returns the single peer whose fingerprint starts with prefix.
func FindPeer(peers []trust.Peer, prefix string) (trust.Peer, error) {
	prefix = strings.ToLower(strings.ReplaceAll(prefix, ":", ""))
	var found []trust.Peer
	for _, p := range peers {
		if strings.HasPrefix(p.CertFingerprint, prefix) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return trust.Peer{}, trust.ErrPeerNotFound
	case 1:
		return found[0], nil
	default:
		return trust.Peer{}, ErrAmbiguousPeer
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
