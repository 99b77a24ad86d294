package pairing

import (
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// SPAKE2+ protocol constants.
const (
	// SharedSecretSize is the size of the derived shared secret in bytes.
	SharedSecretSize = 32

	// ConfirmationSize is the size of a key confirmation MAC in bytes.
	ConfirmationSize = 32
)

// SPAKE2+ errors.
var (
	ErrInvalidShare       = errors.New("invalid PAKE share")
	ErrConfirmationFailed = errors.New("PAKE confirmation failed")
	ErrInvalidVerifier    = errors.New("invalid verifier")
	ErrNotFinished        = errors.New("PAKE exchange not finished")
)

var curve = elliptic.P256()

// M and N are the fixed SPAKE2+ points for P-256 (RFC 9383).
var (
	pointM = &curvePoint{
		x: mustHexBigInt("886e2f97ace46e55ba9dd7242579f2993b64e16ef3dcab95afd497333d8fa12f"),
		y: mustHexBigInt("5ff355163e43ce224e0b0e65ff02ac8e5c7be09419c785e0ca547d55a12e2d20"),
	}
	pointN = &curvePoint{
		x: mustHexBigInt("d8bbd6c639c62937b04d997f38c3770719c629d7014d49a24b4f98baa1292b49"),
		y: mustHexBigInt("07d60aa6bfade45008a636337f5168c64d9bd36034808cd564490b1e656edbe7"),
	}
)

type curvePoint struct {
	x, y *big.Int
}

func mustHexBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("invalid hex string: " + s)
	}
	return n
}

// Verifier is the monitor-side verification material for a secret.
type Verifier struct {
	// W0 is the first verification scalar.
	W0 []byte

	// L = w1*G, compressed.
	L []byte
}

// pakeContext binds both parties into the key schedule.
func pakeContext(listenerID, monitorID string) []byte {
	ctx := make([]byte, 0, len(listenerID)+len(monitorID)+1)
	ctx = append(ctx, listenerID...)
	ctx = append(ctx, 0)
	ctx = append(ctx, monitorID...)
	return ctx
}

// deriveW derives w0 and w1 from the pairing secret.
func deriveW(secret string, context []byte) (w0, w1 *big.Int, err error) {
	r := hkdf.New(sha256.New, []byte(secret), context, []byte("SPAKE2+-P256-SHA256 w"))

	w0Bytes := make([]byte, 40)
	w1Bytes := make([]byte, 40)
	if _, err := io.ReadFull(r, w0Bytes); err != nil {
		return nil, nil, fmt.Errorf("failed to derive w0: %w", err)
	}
	if _, err := io.ReadFull(r, w1Bytes); err != nil {
		return nil, nil, fmt.Errorf("failed to derive w1: %w", err)
	}

	n := curve.Params().N
	w0 = new(big.Int).Mod(new(big.Int).SetBytes(w0Bytes), n)
	w1 = new(big.Int).Mod(new(big.Int).SetBytes(w1Bytes), n)
	return w0, w1, nil
}

// GenerateVerifier computes the verifier a monitor needs for secret.
func GenerateVerifier(secret, listenerID, monitorID string) (*Verifier, error) {
	w0, w1, err := deriveW(secret, pakeContext(listenerID, monitorID))
	if err != nil {
		return nil, err
	}
	lx, ly := curve.ScalarBaseMult(w1.Bytes())
	return &Verifier{
		W0: w0.Bytes(),
		L:  elliptic.MarshalCompressed(curve, lx, ly),
	}, nil
}

// keySchedule holds the material both roles derive identically.
type keySchedule struct {
	context    []byte
	w0         *big.Int
	pA, pB     []byte
	shared     []byte
	confirmKey []byte
}

func (k *keySchedule) derive(zx, zy, vx, vy *big.Int) error {
	// Transcript: context || pA || pB || Z || V || w0
	h := sha256.New()
	h.Write(k.context)
	h.Write(k.pA)
	h.Write(k.pB)
	h.Write(elliptic.Marshal(curve, zx, zy))
	h.Write(elliptic.Marshal(curve, vx, vy))
	h.Write(k.w0.Bytes())

	r := hkdf.New(sha256.New, h.Sum(nil), nil, []byte("SPAKE2+-P256-SHA256"))
	k.shared = make([]byte, SharedSecretSize)
	k.confirmKey = make([]byte, SharedSecretSize)
	if _, err := io.ReadFull(r, k.shared); err != nil {
		return err
	}
	_, err := io.ReadFull(r, k.confirmKey)
	return err
}

func (k *keySchedule) confirmation(label string, first, second []byte) []byte {
	mac := hmac.New(sha256.New, k.confirmKey)
	mac.Write([]byte(label))
	mac.Write(first)
	mac.Write(second)
	return mac.Sum(nil)
}

// subtract returns p - s*Q for a decoded share p.
func subtract(px, py *big.Int, q *curvePoint, s *big.Int) (*big.Int, *big.Int) {
	sx, sy := curve.ScalarMult(q.x, q.y, s.Bytes())
	negY := new(big.Int).Neg(sy)
	negY.Mod(negY, curve.Params().P)
	return curve.Add(px, py, sx, negY)
}

func decodeShare(share []byte) (*big.Int, *big.Int, error) {
	x, y := elliptic.Unmarshal(curve, share)
	if x == nil || !curve.IsOnCurve(x, y) {
		return nil, nil, ErrInvalidShare
	}
	return x, y, nil
}

func isIdentity(x, y *big.Int) bool {
	return x.Sign() == 0 && y.Sign() == 0
}

// Prover is the listener side of the exchange: it knows the secret.
type Prover struct {
	keySchedule
	x  *big.Int
	w1 *big.Int
}

// NewProver starts the listener side for secret between the two parties.
func NewProver(secret, listenerID, monitorID string) (*Prover, error) {
	ctx := pakeContext(listenerID, monitorID)
	w0, w1, err := deriveW(secret, ctx)
	if err != nil {
		return nil, err
	}
	x, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// pA = x*G + w0*M
	xx, xy := curve.ScalarBaseMult(x.Bytes())
	mx, my := curve.ScalarMult(pointM.x, pointM.y, w0.Bytes())
	pAx, pAy := curve.Add(xx, xy, mx, my)

	return &Prover{
		keySchedule: keySchedule{
			context: ctx,
			w0:      w0,
			pA:      elliptic.Marshal(curve, pAx, pAy),
		},
		x:  x,
		w1: w1,
	}, nil
}

// Share returns pA, to be sent to the monitor.
func (p *Prover) Share() []byte {
	return p.pA
}

// Finish processes the monitor's share pB and derives the shared secret.
func (p *Prover) Finish(pB []byte) error {
	pBx, pBy, err := decodeShare(pB)
	if err != nil {
		return err
	}
	p.pB = pB

	// Y = pB - w0*N
	yx, yy := subtract(pBx, pBy, pointN, p.w0)
	if isIdentity(yx, yy) {
		return ErrInvalidShare
	}
	zx, zy := curve.ScalarMult(yx, yy, p.x.Bytes())
	vx, vy := curve.ScalarMult(yx, yy, p.w1.Bytes())
	return p.derive(zx, zy, vx, vy)
}

// SharedSecret returns the derived secret, or nil before Finish.
func (p *Prover) SharedSecret() []byte {
	return p.shared
}

// Confirmation returns the listener's key confirmation MAC.
func (p *Prover) Confirmation() []byte {
	return p.confirmation("client", p.pA, p.pB)
}

// VerifyPeerConfirmation checks the monitor's key confirmation MAC.
func (p *Prover) VerifyPeerConfirmation(mac []byte) error {
	if p.shared == nil {
		return ErrNotFinished
	}
	if !hmac.Equal(mac, p.confirmation("server", p.pB, p.pA)) {
		return ErrConfirmationFailed
	}
	return nil
}

// VerifierSession is the monitor side of the exchange.
type VerifierSession struct {
	keySchedule
	y      *big.Int
	lx, ly *big.Int
}

// NewVerifierSession starts the monitor side for secret between the two parties.
func NewVerifierSession(secret, listenerID, monitorID string) (*VerifierSession, error) {
	v, err := GenerateVerifier(secret, listenerID, monitorID)
	if err != nil {
		return nil, err
	}
	return NewVerifierSessionFromVerifier(v, listenerID, monitorID)
}

// NewVerifierSessionFromVerifier starts the monitor side from stored material.
func NewVerifierSessionFromVerifier(v *Verifier, listenerID, monitorID string) (*VerifierSession, error) {
	if v == nil {
		return nil, ErrInvalidVerifier
	}
	lx, ly := elliptic.UnmarshalCompressed(curve, v.L)
	if lx == nil {
		return nil, fmt.Errorf("%w: invalid L point", ErrInvalidVerifier)
	}
	y, err := rand.Int(rand.Reader, curve.Params().N)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	w0 := new(big.Int).SetBytes(v.W0)

	// pB = y*G + w0*N
	yx, yy := curve.ScalarBaseMult(y.Bytes())
	nx, ny := curve.ScalarMult(pointN.x, pointN.y, w0.Bytes())
	pBx, pBy := curve.Add(yx, yy, nx, ny)

	return &VerifierSession{
		keySchedule: keySchedule{
			context: pakeContext(listenerID, monitorID),
			w0:      w0,
			pB:      elliptic.Marshal(curve, pBx, pBy),
		},
		y:  y,
		lx: lx,
		ly: ly,
	}, nil
}

// Share returns pB, to be sent to the listener.
func (s *VerifierSession) Share() []byte {
	return s.pB
}

// Finish processes the listener's share pA and derives the shared secret.
func (s *VerifierSession) Finish(pA []byte) error {
	pAx, pAy, err := decodeShare(pA)
	if err != nil {
		return err
	}
	s.pA = pA

	// X = pA - w0*M
	xx, xy := subtract(pAx, pAy, pointM, s.w0)
	if isIdentity(xx, xy) {
		return ErrInvalidShare
	}
	zx, zy := curve.ScalarMult(xx, xy, s.y.Bytes())
	vx, vy := curve.ScalarMult(s.lx, s.ly, s.y.Bytes())
	return s.derive(zx, zy, vx, vy)
}

// SharedSecret returns the derived secret, or nil before Finish.
func (s *VerifierSession) SharedSecret() []byte {
	return s.shared
}

// Confirmation returns the monitor's key confirmation MAC.
func (s *VerifierSession) Confirmation() []byte {
	return s.confirmation("server", s.pB, s.pA)
}

// VerifyPeerConfirmation checks the listener's key confirmation MAC.
func (s *VerifierSession) VerifyPeerConfirmation(mac []byte) error {
	if s.shared == nil {
		return ErrNotFinished
	}
	if !hmac.Equal(mac, s.confirmation("client", s.pA, s.pB)) {
		return ErrConfirmationFailed
	}
	return nil
}
