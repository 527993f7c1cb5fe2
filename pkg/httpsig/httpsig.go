// Package httpsig signs and verifies federation HTTP requests.
//
// The scheme is a reduced form of HTTP Message Signatures. The signing string
// is built from a fixed, ordered component list:
//
//	@request-target: post /federation/inbox
//	host: relay.example
//	date: Mon, 19 Oct 2026 10:00:00 GMT
//	digest: SHA-256=<base64>
//	nonce: <random>
//
// and signed with the node's Ed25519 key. Signature-Input names the
// components and carries the signer's node ID as keyid:
//
//	sig1=("@request-target" "host" "date" "digest" "nonce");keyid="<node id>";alg="ed25519"
package httpsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"tezfed/pkg/identity"
)

const (
	HeaderSignature      = "Signature"
	HeaderSignatureInput = "Signature-Input"
	HeaderDigest         = "Digest"
	HeaderDate           = "Date"
	HeaderNonce          = "Nonce"

	// ReplayWindow bounds the accepted skew between Date and receipt time.
	ReplayWindow = 60 * time.Second

	digestPrefix = "SHA-256="
	label        = "sig1"
	algorithm    = "ed25519"
)

const (
	componentTarget = "@request-target"
	componentHost   = "host"
	componentDate   = "date"
	componentDigest = "digest"
	componentNonce  = "nonce"
)

// signedComponents is the order used when signing. Verification accepts the
// same list with the nonce omitted.
var signedComponents = []string{componentTarget, componentHost, componentDate, componentDigest, componentNonce}

// Codec signs and verifies requests against a clock.
type Codec struct {
	clock  clock.Clock
	window time.Duration
}

func NewCodec(clk clock.Clock) *Codec {
	if clk == nil {
		clk = clock.New()
	}
	return &Codec{clock: clk, window: ReplayWindow}
}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return digestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// Sign sets Host, Date, Digest, Nonce, Signature and Signature-Input on req.
// body must be the exact bytes that will be sent.
func (c *Codec) Sign(req *http.Request, body []byte, signer identity.Signer) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}

	host := requestHost(req)
	if host == "" {
		return fmt.Errorf("request has no host")
	}
	req.Host = host

	req.Header.Set(HeaderDate, c.clock.Now().UTC().Format(http.TimeFormat))
	req.Header.Set(HeaderDigest, Digest(body))
	req.Header.Set(HeaderNonce, nonce)

	base, err := signingString(req, signedComponents)
	if err != nil {
		return err
	}
	sig := signer.Sign([]byte(base))

	req.Header.Set(HeaderSignatureInput, formatInput(signedComponents, signer.NodeID()))
	req.Header.Set(HeaderSignature, label+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}

// Verify reports whether req carries a valid signature by pub over body.
// Malformed input verifies as false.
func (c *Codec) Verify(req *http.Request, body []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}

	digest := req.Header.Get(HeaderDigest)
	if digest == "" || digest != Digest(body) {
		return false
	}

	date, err := http.ParseTime(req.Header.Get(HeaderDate))
	if err != nil {
		return false
	}
	skew := c.clock.Now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > c.window {
		return false
	}

	input, err := ParseInput(req.Header.Get(HeaderSignatureInput))
	if err != nil || !acceptedComponents(input.Components) {
		return false
	}

	sig, err := parseSignature(req.Header.Get(HeaderSignature))
	if err != nil {
		return false
	}

	base, err := signingString(req, input.Components)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(base), sig)
}

// HasRequiredHeaders reports whether the headers needed to attempt
// verification are present.
func HasRequiredHeaders(h http.Header) bool {
	for _, name := range []string{HeaderSignature, HeaderSignatureInput, HeaderDigest, HeaderDate} {
		if h.Get(name) == "" {
			return false
		}
	}
	return true
}

// Input is a parsed Signature-Input header.
type Input struct {
	Components []string
	KeyID      string
	Algorithm  string
}

// KeyID extracts the claimed signer node ID from the request headers.
func KeyID(h http.Header) (string, error) {
	input, err := ParseInput(h.Get(HeaderSignatureInput))
	if err != nil {
		return "", err
	}
	return input.KeyID, nil
}

// ParseInput parses `sig1=("a" "b");keyid="x";alg="ed25519"`.
func ParseInput(v string) (*Input, error) {
	v = strings.TrimSpace(v)
	rest, ok := strings.CutPrefix(v, label+"=(")
	if !ok {
		return nil, fmt.Errorf("signature input must start with %s=(", label)
	}
	list, params, ok := strings.Cut(rest, ")")
	if !ok {
		return nil, fmt.Errorf("unterminated component list")
	}

	in := &Input{}
	for _, f := range strings.Fields(list) {
		name, err := unquote(f)
		if err != nil {
			return nil, err
		}
		in.Components = append(in.Components, name)
	}

	for _, p := range strings.Split(params, ";") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		k, raw, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed parameter %q", p)
		}
		val, err := unquote(raw)
		if err != nil {
			return nil, err
		}
		switch k {
		case "keyid":
			in.KeyID = val
		case "alg":
			in.Algorithm = val
		}
	}

	if in.KeyID == "" {
		return nil, fmt.Errorf("signature input has no keyid")
	}
	if in.Algorithm != "" && in.Algorithm != algorithm {
		return nil, fmt.Errorf("unsupported algorithm %q", in.Algorithm)
	}
	return in, nil
}

func formatInput(components []string, keyID string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = `"` + c + `"`
	}
	return fmt.Sprintf(`%s=(%s);keyid="%s";alg="%s"`, label, strings.Join(quoted, " "), keyID, algorithm)
}

// acceptedComponents requires the fixed order, allowing only the trailing
// nonce to be absent.
func acceptedComponents(components []string) bool {
	n := len(components)
	if n != len(signedComponents) && n != len(signedComponents)-1 {
		return false
	}
	for i, c := range components {
		if c != signedComponents[i] {
			return false
		}
	}
	return true
}

func signingString(req *http.Request, components []string) (string, error) {
	var b strings.Builder
	for i, c := range components {
		var value string
		switch c {
		case componentTarget:
			value = strings.ToLower(req.Method) + " " + req.URL.RequestURI()
		case componentHost:
			value = strings.ToLower(requestHost(req))
		case componentDate:
			value = req.Header.Get(HeaderDate)
		case componentDigest:
			value = req.Header.Get(HeaderDigest)
		case componentNonce:
			value = req.Header.Get(HeaderNonce)
			if value == "" {
				return "", fmt.Errorf("nonce listed but not sent")
			}
		default:
			return "", fmt.Errorf("unknown component %q", c)
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c)
		b.WriteString(": ")
		b.WriteString(value)
	}
	return b.String(), nil
}

func parseSignature(v string) ([]byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), label+"=:")
	if !ok {
		return nil, fmt.Errorf("signature must start with %s=:", label)
	}
	enc, ok := strings.CutSuffix(rest, ":")
	if !ok {
		return nil, fmt.Errorf("unterminated signature")
	}
	sig, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature is %d bytes", len(sig))
	}
	return sig, nil
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	if req.URL != nil {
		return req.URL.Host
	}
	return ""
}

func unquote(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("expected quoted string, got %q", s)
	}
	return s[1 : len(s)-1], nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
