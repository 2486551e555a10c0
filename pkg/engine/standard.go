// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package engine

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	_ "github.com/consensys/gnark-crypto/ecc/bls12-381/fr/mimc" // registers MIMC_BLS12_381 with gnark-crypto hash registry
	"github.com/consensys/gnark-crypto/ecc/bls12-381/twistededwards"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/twistededwards/eddsa"
	gnarkhash "github.com/consensys/gnark-crypto/hash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/fxamacker/cbor/v2"

	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// Binding-factor and challenge derivation domains for signature aggregation.
const (
	domainBinding   = "fserver/agg/binding/v1"
	domainChallenge = "fserver/agg/challenge/v1"
)

// scalarSize is the byte length of protocol identifiers, signature shares,
// and compressed curve points.
const scalarSize = 32

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("engine: cbor encoder: %v", err))
	}
}

// StandardEngine is the concrete Engine used in production. Secp256k1 roster
// keys verify DER-encoded ECDSA signatures over the Keccak-256 payload
// digest; EdwardsOnBls12381 keys verify gnark-crypto EdDSA over the payload
// digest reduced into the scalar field. Signing packages are canonical CBOR,
// and signature aggregation is Schnorr-style over the BLS12-381 embedded
// twisted Edwards curve.
type StandardEngine struct{}

// compile-time interface check
var _ Engine = (*StandardEngine)(nil)

// NewStandardEngine creates the standard crypto engine.
func NewStandardEngine() *StandardEngine {
	return &StandardEngine{}
}

// VerifySignature implements Engine.
func (e *StandardEngine) VerifySignature(publicKey wire.RosterPublicKey, payloadHex, signatureHex string) (bool, error) {
	payload, err := decodeHex(payloadHex)
	if err != nil {
		return false, fmt.Errorf("%w: payload: %v", ErrMalformedHex, err)
	}
	sig, err := decodeHex(signatureHex)
	if err != nil {
		return false, fmt.Errorf("%w: signature: %v", ErrMalformedHex, err)
	}
	keyBytes, err := decodeHex(publicKey.Key)
	if err != nil {
		return false, fmt.Errorf("%w: public key: %v", ErrMalformedHex, err)
	}

	switch publicKey.Type {
	case wire.KeyTypeSecp256k1:
		return verifySecp256k1(keyBytes, payload, sig)
	case wire.KeyTypeEdwardsOnBls12381:
		return verifyEdwardsBls12381(keyBytes, payload, sig)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, publicKey.Type)
	}
}

func verifySecp256k1(keyBytes, payload, sig []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	parsed, err := secpecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return parsed.Verify(keccak256(payload), pub), nil
}

func verifyEdwardsBls12381(keyBytes, payload, sig []byte) (bool, error) {
	var pub eddsa.PublicKey
	if _, err := pub.SetBytes(keyBytes); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	ok, err := pub.Verify(sig, reducedDigest(payload), gnarkhash.MIMC_BLS12_381.New())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return ok, nil
}

// reducedDigest maps arbitrary payload bytes into the BLS12-381 scalar field
// so the MiMC-based EdDSA can consume them.
func reducedDigest(payload []byte) []byte {
	var el fr.Element
	el.SetBytes(keccak256(payload))
	out := el.Bytes()
	return out[:]
}

// packageEntry is one (identifier, commitment) pair inside a signing package.
type packageEntry struct {
	ID         []byte `cbor:"1,keyasint"`
	Commitment []byte `cbor:"2,keyasint"`
}

// signingPackage is the canonical CBOR shape of an aggregated signing
// package: the sorted round-1 commitments plus the message digest.
type signingPackage struct {
	Commitments []packageEntry `cbor:"1,keyasint"`
	Message     []byte         `cbor:"2,keyasint"`
}

// ComputeSigningPackage implements Engine.
func (e *StandardEngine) ComputeSigningPackage(commitmentsByID map[string]string, messageHex string) (string, error) {
	if len(commitmentsByID) == 0 {
		return "", ErrEmptyCommitments
	}
	message, err := decodeHex(messageHex)
	if err != nil {
		return "", fmt.Errorf("%w: message: %v", ErrMalformedHex, err)
	}

	ids := make([]string, 0, len(commitmentsByID))
	for id := range commitmentsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pkg := signingPackage{Message: message}
	for _, id := range ids {
		idBytes, err := decodeHex(id)
		if err != nil {
			return "", fmt.Errorf("%w: identifier %s: %v", ErrMalformedHex, id, err)
		}
		commitment, err := decodeHex(commitmentsByID[id])
		if err != nil {
			return "", fmt.Errorf("%w: commitment from %s: %v", ErrMalformedHex, id, err)
		}
		pkg.Commitments = append(pkg.Commitments, packageEntry{ID: idBytes, Commitment: commitment})
	}

	encoded, err := cborEnc.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("engine: encode signing package: %w", err)
	}
	return hex.EncodeToString(encoded), nil
}

// commitment is a decoded round-1 signing commitment: the hiding and binding
// nonce commitments of one participant.
type commitment struct {
	id      []byte
	idHex   string
	hiding  twistededwards.PointAffine
	binding twistededwards.PointAffine
	rho     *big.Int
}

// AggregateSignatures implements Engine.
//
// Each share is individually verified against the participant's verifying
// share (Lagrange-weighted Schnorr share check) before summation, so a bad
// share fails the aggregation with the culprit identified rather than
// producing a garbage signature.
func (e *StandardEngine) AggregateSignatures(signingPackageHex string, sharesByID, verifyingSharesByID map[string]string, groupVKHex string) (*AggregateResult, error) {
	raw, err := decodeHex(signingPackageHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	var pkg signingPackage
	if err := cbor.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	if len(pkg.Commitments) == 0 {
		return nil, ErrEmptyCommitments
	}
	if len(sharesByID) != len(pkg.Commitments) {
		return nil, fmt.Errorf("%w: %d shares for %d commitments",
			ErrAggregationFailed, len(sharesByID), len(pkg.Commitments))
	}

	groupVKBytes, err := decodeHex(groupVKHex)
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrMalformedHex, err)
	}
	groupKey, err := decodePoint(groupVKBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", ErrAggregationFailed, err)
	}

	curve := twistededwards.GetEdwardsCurve()
	order := &curve.Order

	commitments, err := decodeCommitments(pkg.Commitments)
	if err != nil {
		return nil, err
	}

	// Binding factors are derived from the message, the full commitment list,
	// and each participant's identifier, mirroring the round-2 derivation on
	// the client side.
	var commBytes []byte
	for _, c := range commitments {
		commBytes = append(commBytes, c.id...)
		commBytes = appendPoint(commBytes, &c.hiding)
		commBytes = appendPoint(commBytes, &c.binding)
	}
	for _, c := range commitments {
		c.rho = hashToScalar(order, []byte(domainBinding), pkg.Message, commBytes, c.id)
	}

	// Group commitment R = sum(D_i + rho_i * E_i).
	groupR := identityPoint()
	terms := make([]twistededwards.PointAffine, len(commitments))
	for i, c := range commitments {
		var rhoE twistededwards.PointAffine
		rhoE.ScalarMultiplication(&c.binding, c.rho)
		terms[i].Add(&c.hiding, &rhoE)
		groupR.Add(&groupR, &terms[i])
	}

	rBytes := pointBytes(&groupR)
	challenge := hashToScalar(order, []byte(domainChallenge), rBytes, groupVKBytes, pkg.Message)

	idScalars := make([]*big.Int, len(commitments))
	for i, c := range commitments {
		idScalars[i] = new(big.Int).Mod(new(big.Int).SetBytes(c.id), order)
	}

	// Verify each share and accumulate s = sum(z_i).
	s := new(big.Int)
	for i, c := range commitments {
		shareHex, ok := lookupHex(sharesByID, c.idHex)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingShare, c.idHex)
		}
		shareBytes, err := decodeHex(shareHex)
		if err != nil || len(shareBytes) != scalarSize {
			return nil, &ShareError{IDHex: c.idHex, Reason: "share is not a 32-byte scalar"}
		}
		z := new(big.Int).SetBytes(shareBytes)
		if z.Cmp(order) >= 0 {
			return nil, &ShareError{IDHex: c.idHex, Reason: "share exceeds group order"}
		}

		vsHex, ok := lookupHex(verifyingSharesByID, c.idHex)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingVerifyingShare, c.idHex)
		}
		vsBytes, err := decodeHex(vsHex)
		if err != nil {
			return nil, &ShareError{IDHex: c.idHex, Reason: "malformed verifying share"}
		}
		verifyingShare, err := decodePoint(vsBytes)
		if err != nil {
			return nil, &ShareError{IDHex: c.idHex, Reason: "verifying share is not a curve point"}
		}

		lambda, err := lagrangeCoefficient(order, idScalars, i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAggregationFailed, err)
		}

		// z_i * G == D_i + rho_i * E_i + lambda_i * c * VS_i
		var lhs twistededwards.PointAffine
		lhs.ScalarMultiplication(&curve.Base, z)
		lc := new(big.Int).Mul(lambda, challenge)
		lc.Mod(lc, order)
		var weighted twistededwards.PointAffine
		weighted.ScalarMultiplication(&verifyingShare, lc)
		var rhs twistededwards.PointAffine
		rhs.Add(&terms[i], &weighted)
		if !lhs.Equal(&rhs) {
			return nil, &ShareError{IDHex: c.idHex, Reason: "share does not verify"}
		}

		s.Add(s, z)
		s.Mod(s, order)
	}

	sBytes := make([]byte, scalarSize)
	s.FillBytes(sBytes)
	signature := append(rBytes, sBytes...)

	rx := groupR.X.Bytes()
	ry := groupR.Y.Bytes()
	px := groupKey.X.Bytes()
	py := groupKey.Y.Bytes()

	return &AggregateResult{
		SignatureHex: hex.EncodeToString(signature),
		RX:           hex.EncodeToString(rx[:]),
		RY:           hex.EncodeToString(ry[:]),
		S:            hex.EncodeToString(sBytes),
		PX:           hex.EncodeToString(px[:]),
		PY:           hex.EncodeToString(py[:]),
	}, nil
}

func decodeCommitments(entries []packageEntry) ([]*commitment, error) {
	seen := make(map[string]bool, len(entries))
	out := make([]*commitment, 0, len(entries))
	for _, entry := range entries {
		idHex := hex.EncodeToString(entry.ID)
		if seen[idHex] {
			return nil, fmt.Errorf("%w: duplicate commitment from %s", ErrMalformedPackage, idHex)
		}
		seen[idHex] = true
		if len(entry.Commitment) != 2*scalarSize {
			return nil, fmt.Errorf("%w: commitment from %s is not two compressed points",
				ErrMalformedPackage, idHex)
		}
		hiding, err := decodePoint(entry.Commitment[:scalarSize])
		if err != nil {
			return nil, fmt.Errorf("%w: hiding commitment from %s: %v", ErrMalformedPackage, idHex, err)
		}
		binding, err := decodePoint(entry.Commitment[scalarSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: binding commitment from %s: %v", ErrMalformedPackage, idHex, err)
		}
		out = append(out, &commitment{
			id:      entry.ID,
			idHex:   idHex,
			hiding:  hiding,
			binding: binding,
		})
	}
	return out, nil
}

// lagrangeCoefficient computes the Lagrange interpolation coefficient at zero
// for the identifier at index i over the full identifier set.
func lagrangeCoefficient(order *big.Int, ids []*big.Int, i int) (*big.Int, error) {
	num := big.NewInt(1)
	den := big.NewInt(1)
	for j, id := range ids {
		if j == i {
			continue
		}
		num.Mul(num, id)
		num.Mod(num, order)
		diff := new(big.Int).Sub(id, ids[i])
		diff.Mod(diff, order)
		den.Mul(den, diff)
		den.Mod(den, order)
	}
	if den.Sign() == 0 {
		return nil, fmt.Errorf("duplicate participant identifiers")
	}
	denInv := new(big.Int).ModInverse(den, order)
	if denInv == nil {
		return nil, fmt.Errorf("identifier set is not invertible")
	}
	lambda := new(big.Int).Mul(num, denInv)
	return lambda.Mod(lambda, order), nil
}

// hashToScalar maps the concatenation of data into a scalar mod the group
// order via Keccak-256.
func hashToScalar(order *big.Int, data ...[]byte) *big.Int {
	digest := keccak256(data...)
	return new(big.Int).Mod(new(big.Int).SetBytes(digest), order)
}

func decodePoint(b []byte) (twistededwards.PointAffine, error) {
	var p twistededwards.PointAffine
	if err := p.Unmarshal(b); err != nil {
		return p, err
	}
	return p, nil
}

func identityPoint() twistededwards.PointAffine {
	var p twistededwards.PointAffine
	p.X.SetZero()
	p.Y.SetOne()
	return p
}

func pointBytes(p *twistededwards.PointAffine) []byte {
	b := p.Bytes()
	return b[:]
}

func appendPoint(dst []byte, p *twistededwards.PointAffine) []byte {
	return append(dst, pointBytes(p)...)
}

// lookupHex finds a hex-keyed map entry ignoring case and 0x prefixes.
func lookupHex(m map[string]string, idHex string) (string, bool) {
	if v, ok := m[idHex]; ok {
		return v, true
	}
	want := wire.NormalizeHex(idHex)
	for k, v := range m {
		if wire.NormalizeHex(k) == want {
			return v, true
		}
	}
	return "", false
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(wire.NormalizeHex(s))
}
