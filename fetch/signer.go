package fetch

import (
	"crypto/rsa"
	"net/http"

	"github.com/totegamma/httpsig"
)

// signing carries the keypair and the header set one request was
// signed over, so a redirect can be re-signed only when safe.
type signing struct {
	priv  *rsa.PrivateKey
	keyID string
	verb  string
	body  []byte

	// signedHeaders maps originally signed header names to the values
	// they were signed with. "(request-target)" and "host" are
	// positional and re-derived from the request being signed.
	signedHeaders map[string]string
}

func newSigning(priv *rsa.PrivateKey, keyID, verb string, body []byte) *signing {
	return &signing{
		priv:          priv,
		keyID:         keyID,
		verb:          verb,
		body:          body,
		signedHeaders: map[string]string{},
	}
}

// headersToSign lists the covered headers. User-Agent and
// Accept-Encoding are never signed since proxies and CDNs may alter
// them in transit.
func (s *signing) headersToSign() []string {
	headers := []string{httpsig.RequestTarget, "date", "host"}
	if s.body != nil {
		headers = append(headers, "digest")
	}
	return headers
}

// sign attaches a Signature header (and Digest, when a body is
// present) and records the covered header values.
func (s *signing) sign(req *http.Request) error {
	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	digestAlgorithm := httpsig.DigestSha256

	signer, _, err := httpsig.NewSigner(prefs, digestAlgorithm, s.headersToSign(), httpsig.Signature, 0)
	if err != nil {
		return err
	}
	err = signer.SignRequest(s.priv, s.keyID, req, s.body)
	if err != nil {
		return err
	}

	for _, name := range s.headersToSign() {
		switch name {
		case httpsig.RequestTarget, "host":
			// positional
		default:
			s.signedHeaders[name] = req.Header.Get(name)
		}
	}
	return nil
}

// resignOnRedirect drops the now-invalid signature from a redirected
// request and re-signs it only when the original request was a read
// and every originally covered header survived with the value it was
// signed over. Losing the signature is non-fatal; the target is then
// fetched unauthenticated.
func (s *signing) resignOnRedirect(req *http.Request) bool {
	req.Header.Del("Signature")

	if s == nil || s.verb != http.MethodGet {
		return false
	}

	for name, value := range s.signedHeaders {
		if req.Header.Get(name) != value {
			return false
		}
	}

	req.Header.Set("Host", req.URL.Host)
	req.Host = req.URL.Host

	return s.sign(req) == nil
}
