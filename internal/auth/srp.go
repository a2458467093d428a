// Package auth implements the SRP-6a password-authenticated key exchange
// and the stores backing it.
//
// The handshake uses the well-known 2048-bit group with SHA-256. The shared
// secret never crosses the wire; both sides derive a 32-byte session key
// from it via HKDF-SHA-256.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// groupPrimeHex is the RFC 5054 2048-bit group prime; the generator is 2.
const groupPrimeHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

// hkdfInfo domain-separates the session key from other HKDF uses.
const hkdfInfo = "outpost-remote-session-key"

// SessionKeySize is the secretbox key length.
const SessionKeySize = 32

var (
	groupN *big.Int
	groupG = big.NewInt(2)
	srpK   *big.Int // k = H(N | PAD(g))
)

func init() {
	groupN, _ = new(big.Int).SetString(groupPrimeHex, 16)
	srpK = hashToInt(groupN.Bytes(), pad(groupG))
}

func hashToInt(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// pad left-pads a value to the group size, as the RFC requires for
// hashing A, B and g.
func pad(v *big.Int) []byte {
	b := v.Bytes()
	size := len(groupN.Bytes())
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// ComputeVerifier derives (salt, verifier) for a new credential. Used at
// enrollment and by client-side tests.
func ComputeVerifier(username, password string, salt []byte) []byte {
	x := privateKey(username, password, salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	return v.Bytes()
}

// privateKey computes x = H(salt | H(username ":" password)).
func privateKey(username, password string, salt []byte) *big.Int {
	inner := sha256.Sum256([]byte(username + ":" + password))
	return hashToInt(salt, inner[:])
}

// NewSalt returns a fresh 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// ServerSession is the server side of one handshake. It is single-use and
// strictly sequential: Challenge then VerifyProof.
type ServerSession struct {
	username string
	salt     []byte
	verifier *big.Int
	b        *big.Int // server ephemeral secret
	pubB     *big.Int
}

// NewServerSession starts a handshake against a stored credential.
func NewServerSession(username string, salt, verifier []byte) (*ServerSession, error) {
	v := new(big.Int).SetBytes(verifier)
	if v.Sign() == 0 {
		return nil, fmt.Errorf("empty verifier")
	}

	b, err := randomEphemeral()
	if err != nil {
		return nil, err
	}
	// B = k*v + g^b mod N
	pubB := new(big.Int).Exp(groupG, b, groupN)
	kv := new(big.Int).Mul(srpK, v)
	pubB.Add(pubB, kv)
	pubB.Mod(pubB, groupN)

	return &ServerSession{
		username: username,
		salt:     salt,
		verifier: v,
		b:        b,
		pubB:     pubB,
	}, nil
}

func randomEphemeral() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	e := new(big.Int).SetBytes(buf)
	if e.Sign() == 0 {
		return nil, fmt.Errorf("zero ephemeral")
	}
	return e, nil
}

// Salt returns the credential salt for the challenge message.
func (s *ServerSession) Salt() []byte { return s.salt }

// B returns the server public ephemeral for the challenge message.
func (s *ServerSession) B() []byte { return s.pubB.Bytes() }

// VerifyProof checks the client proof M1 against public ephemeral A.
// On success it returns the server proof M2 and the derived session key.
func (s *ServerSession) VerifyProof(aBytes, m1 []byte) (m2, sessionKey []byte, err error) {
	a := new(big.Int).SetBytes(aBytes)
	// A mod N == 0 lets a client force S = 0.
	if new(big.Int).Mod(a, groupN).Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid client ephemeral")
	}

	u := hashToInt(pad(a), pad(s.pubB))
	if u.Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid scrambling parameter")
	}

	// S = (A * v^u)^b mod N
	premaster := new(big.Int).Exp(s.verifier, u, groupN)
	premaster.Mul(premaster, a)
	premaster.Mod(premaster, groupN)
	premaster.Exp(premaster, s.b, groupN)

	key, err := deriveKey(premaster)
	if err != nil {
		return nil, nil, err
	}

	expected := clientProof(s.username, s.salt, a, s.pubB, key)
	if subtle.ConstantTimeCompare(expected, m1) != 1 {
		return nil, nil, fmt.Errorf("proof mismatch")
	}

	m2 = serverProof(a, m1, key)
	return m2, key, nil
}

// ClientSession is the client side of one handshake. The server uses it in
// tests; a production client implements the same math.
type ClientSession struct {
	username string
	password string
	a        *big.Int
	pubA     *big.Int
}

// NewClientSession starts a client handshake.
func NewClientSession(username, password string) (*ClientSession, error) {
	a, err := randomEphemeral()
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		username: username,
		password: password,
		a:        a,
		pubA:     new(big.Int).Exp(groupG, a, groupN),
	}, nil
}

// A returns the client public ephemeral for the hello message.
func (c *ClientSession) A() []byte { return c.pubA.Bytes() }

// ProcessChallenge consumes the server challenge and returns the client
// proof M1 and the derived session key.
func (c *ClientSession) ProcessChallenge(salt, bBytes []byte) (m1, sessionKey []byte, err error) {
	b := new(big.Int).SetBytes(bBytes)
	if new(big.Int).Mod(b, groupN).Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid server ephemeral")
	}

	u := hashToInt(pad(c.pubA), pad(b))
	if u.Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid scrambling parameter")
	}

	x := privateKey(c.username, c.password, salt)

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(b, new(big.Int).Mul(srpK, gx))
	base.Mod(base, groupN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	premaster := new(big.Int).Exp(base, exp, groupN)

	key, err := deriveKey(premaster)
	if err != nil {
		return nil, nil, err
	}
	return clientProof(c.username, salt, c.pubA, b, key), key, nil
}

// VerifyServerProof checks M2 from the verify message.
func (c *ClientSession) VerifyServerProof(m2, m1, sessionKey []byte) bool {
	expected := serverProof(c.pubA, m1, sessionKey)
	return subtle.ConstantTimeCompare(expected, m2) == 1
}

// deriveKey runs HKDF-SHA-256 over the padded premaster secret.
func deriveKey(premaster *big.Int) ([]byte, error) {
	key := make([]byte, SessionKeySize)
	r := hkdf.New(sha256.New, pad(premaster), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// clientProof computes M1 = H(H(N) xor H(g) | H(I) | salt | A | B | K).
func clientProof(username string, salt []byte, a, b *big.Int, key []byte) []byte {
	hn := sha256.Sum256(groupN.Bytes())
	hg := sha256.Sum256(pad(groupG))
	xor := make([]byte, len(hn))
	for i := range hn {
		xor[i] = hn[i] ^ hg[i]
	}
	hi := sha256.Sum256([]byte(username))

	h := sha256.New()
	h.Write(xor)
	h.Write(hi[:])
	h.Write(salt)
	h.Write(a.Bytes())
	h.Write(b.Bytes())
	h.Write(key)
	return h.Sum(nil)
}

// serverProof computes M2 = H(A | M1 | K).
func serverProof(a *big.Int, m1, key []byte) []byte {
	h := sha256.New()
	h.Write(a.Bytes())
	h.Write(m1)
	h.Write(key)
	return h.Sum(nil)
}

// ResumeProof computes the proof a client presents to reattach to a stored
// session: HMAC-SHA-256 over "identity:sessionId" keyed by the session key.
func ResumeProof(sessionKey []byte, identity, sessionID string) string {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(identity + ":" + sessionID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyResumeProof checks a resume proof in constant time.
func VerifyResumeProof(sessionKey []byte, identity, sessionID, proof string) bool {
	expected := ResumeProof(sessionKey, identity, sessionID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) == 1
}
