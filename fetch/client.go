package fetch

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/concrnt/ccworld-ap-core/jsonld"
	"github.com/concrnt/ccworld-ap-core/types"
	"github.com/concrnt/ccworld-ap-core/world"
)

var (
	UserAgent = "CCWorldApCore/1.0 (Concrnt)"
)

var tracer = otel.Tracer("fetch")

const tlsHandshakeTimeout = 5 * time.Second

// Keyring loads the signing key of a local actor.
type Keyring interface {
	PrivateKey(ctx context.Context, account *types.Account) (*rsa.PrivateKey, error)
}

// Client is the hardened outbound fetch client. Every request goes
// through the racing dialer with private-address validation and the
// deadline-bounded connection; responses are type- and size-checked.
type Client struct {
	mc        *memcache.Client
	keys      Keyring
	config    types.ApConfig
	timeouts  types.Timeouts
	transport http.RoundTripper
}

func NewClient(mc *memcache.Client, keys Keyring, config types.ApConfig, timeouts types.Timeouts) *Client {
	var exceptions []netip.Prefix
	for _, cidr := range config.PrivateAddressExceptions {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			slog.Warn("ignoring invalid private address exception", slog.String("cidr", cidr))
			continue
		}
		exceptions = append(exceptions, prefix)
	}

	useProxy := config.ProxyURL != ""
	dialer := NewDialer(timeouts.Connect, useProxy, exceptions)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return newDeadlineConn(c, timeouts), nil
		},
		// One connection per logical request, so the cumulative read
		// deadline never carries over between requests.
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	if useProxy {
		if proxyURL, err := url.Parse(config.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Client{
		mc:        mc,
		keys:      keys,
		config:    config,
		timeouts:  timeouts,
		transport: transport,
	}
}

func (c *Client) keyID(account *types.Account) string {
	return "https://" + c.config.FQDN + "/ap/acct/" + account.Username + "#main-key"
}

// perform issues one request. onBehalfOf attaches an HTTP signature;
// redirects are followed up to the hop limit and re-signed when safe.
func (c *Client) perform(ctx context.Context, verb, uri string, body []byte, accept string, onBehalfOf *types.Account) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, verb, uri, reader)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", accept)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Host", req.URL.Host)
	if body != nil {
		req.Header.Set("Content-Type", world.ContentTypeActivityJSON)
	}

	var state *signing
	if onBehalfOf != nil {
		priv, err := c.keys.PrivateKey(ctx, onBehalfOf)
		if err != nil {
			return nil, err
		}
		state = newSigning(priv, c.keyID(onBehalfOf), verb, body)
		if err := state.sign(req); err != nil {
			return nil, err
		}
	}

	client := &http.Client{
		Transport: c.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= world.MaxRedirects {
				return errors.Errorf("stopped after %d redirects", world.MaxRedirects)
			}
			state.resignOnRedirect(req)
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, unwrapClientError(err)
	}
	return resp, nil
}

// unwrapClientError peels the url.Error wrapper so the fetch error
// taxonomy is visible to callers.
func unwrapClientError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var private *PrivateNetworkAddressError
		if errors.As(urlErr.Err, &private) {
			return private
		}
		var timeout *TimeoutError
		if errors.As(urlErr.Err, &timeout) {
			return timeout
		}
	}
	return err
}

// Fetch performs a GET and returns the parsed document, or nothing.
// A 2xx status and an ActivityPub content type are required; the body
// is capped at 1MiB. How non-2xx responses surface is up to the
// caller's policy.
func (c *Client) Fetch(ctx context.Context, uri string, onBehalfOf *types.Account, policy ErrorPolicy) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "Fetch.Fetch")
	defer span.End()

	resp, err := c.perform(ctx, http.MethodGet, uri, nil, world.AcceptHeader, onBehalfOf)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if !responseSuccessful(resp) {
		if policy == RaiseAll || (policy == RaiseTemporary && !responseErrorUnsalvageable(resp.StatusCode)) {
			return nil, &UnexpectedResponseError{StatusCode: resp.StatusCode, URI: uri}
		}
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK || !validActivityPubContentType(resp) {
		return nil, nil
	}

	body, err := bodyWithLimit(resp, world.MaxResponseBodySize)
	if err != nil {
		return nil, err
	}

	document, err := types.LoadAsRawApObj(body)
	if err != nil {
		// Malformed body means no document, not a failure.
		return nil, nil
	}
	return document, nil
}

// FetchRaw performs a GET without any content-type expectation and
// returns the capped body bytes. Used for media and link previews.
func (c *Client) FetchRaw(ctx context.Context, uri string, onBehalfOf *types.Account, limit int64) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Fetch.FetchRaw")
	defer span.End()

	resp, err := c.perform(ctx, http.MethodGet, uri, nil, "*/*", onBehalfOf)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if !responseSuccessful(resp) {
		return nil, &UnexpectedResponseError{StatusCode: resp.StatusCode, URI: uri}
	}

	return bodyWithLimit(resp, limit)
}

// FetchResource fetches uri and validates the document's identifier.
// When the identifier is not known in advance, a first fetch discovers
// the canonical identifier and the document is refetched there, so a
// server cannot impersonate another resource's identity.
func (c *Client) FetchResource(ctx context.Context, uri string, idIsKnown bool, onBehalfOf *types.Account, policy ErrorPolicy) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "Fetch.FetchResource")
	defer span.End()

	if !idIsKnown {
		document, err := c.Fetch(ctx, uri, onBehalfOf, policy)
		if err != nil || document == nil {
			return nil, err
		}
		if !jsonld.SupportedContext(document.GetData()) {
			return nil, nil
		}

		id := document.MustGetString("id")
		if jsonld.UnsupportedURIScheme(id) {
			return nil, nil
		}
		uri = id
	}

	document, err := c.Fetch(ctx, uri, onBehalfOf, policy)
	if err != nil || document == nil {
		return nil, err
	}
	if document.MustGetString("id") != uri {
		return nil, nil
	}
	return document, nil
}

// FetchActor fetches a remote actor document, with a short memcache
// cache in front since actors are referenced far more often than they
// change.
func (c *Client) FetchActor(ctx context.Context, uri string, onBehalfOf *types.Account) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "Fetch.FetchActor")
	defer span.End()

	cache, err := c.mc.Get(world.KeyPrefixActor + uri)
	if err == nil {
		actor, err := types.LoadAsRawApObj(cache.Value)
		if err == nil {
			return actor, nil
		}
	}

	actor, err := c.FetchResource(ctx, uri, false, onBehalfOf, RaiseTemporary)
	if err != nil || actor == nil {
		return nil, err
	}

	actorBytes, err := json.Marshal(actor.GetData())
	if err == nil {
		c.mc.Set(&memcache.Item{
			Key:        world.KeyPrefixActor + uri,
			Value:      actorBytes,
			Expiration: world.ActorCacheExpiration,
		})
	}

	return actor, nil
}

// LoadContext fetches a JSON-LD context document, cached for 30 days
// since context documents are treated as immutable per URL.
func (c *Client) LoadContext(ctx context.Context, uri string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "Fetch.LoadContext")
	defer span.End()

	cache, err := c.mc.Get(world.KeyPrefixJSONLDCtx + uri)
	if err == nil {
		return cache.Value, nil
	}

	resp, err := c.perform(ctx, http.MethodGet, uri, nil, world.ContentTypeLDJSON, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK || mimeType(resp) != world.ContentTypeLDJSON {
		return nil, &UnexpectedResponseError{StatusCode: resp.StatusCode, URI: uri}
	}

	body, err := bodyWithLimit(resp, world.MaxResponseBodySize)
	if err != nil {
		return nil, err
	}

	c.mc.Set(&memcache.Item{
		Key:        world.KeyPrefixJSONLDCtx + uri,
		Value:      body,
		Expiration: world.ContextCacheExpiration,
	})

	return body, nil
}

// PostToInbox delivers a document to a remote inbox, signed.
func (c *Client) PostToInbox(ctx context.Context, inbox string, object any, actor *types.Account) error {
	objectBytes, err := json.Marshal(object)
	if err != nil {
		return err
	}
	return c.ForwardToInbox(ctx, inbox, objectBytes, actor)
}

// ForwardToInbox delivers raw bytes to a remote inbox unmodified,
// signed by the given local actor. Used to forward original signed
// payloads verbatim.
func (c *Client) ForwardToInbox(ctx context.Context, inbox string, raw []byte, actor *types.Account) error {
	ctx, span := tracer.Start(ctx, "Fetch.ForwardToInbox")
	defer span.End()

	resp, err := c.perform(ctx, http.MethodPost, inbox, raw, world.AcceptHeader, actor)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return &UnexpectedResponseError{StatusCode: resp.StatusCode, URI: inbox}
	}
	return nil
}

// ValidURL reports whether url is an absolute http(s) URL.
func ValidURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func responseSuccessful(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func mimeType(resp *http.Response) string {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mediaType
}

// validActivityPubContentType accepts application/activity+json, or
// application/ld+json carrying the activitystreams profile parameter.
func validActivityPubContentType(resp *http.Response) bool {
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}

	switch mediaType {
	case world.ContentTypeActivityJSON:
		return true
	case world.ContentTypeLDJSON:
		for _, profile := range strings.Fields(params["profile"]) {
			if profile == world.ActivityStreamsContext {
				return true
			}
		}
	}
	return false
}

// bodyWithLimit reads the body, failing on any payload over the limit
// whether declared up front or discovered while streaming.
func bodyWithLimit(resp *http.Response, limit int64) ([]byte, error) {
	if resp.ContentLength > limit {
		return nil, &LengthValidationError{Size: resp.ContentLength, Limit: limit}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, &LengthValidationError{Limit: limit}
	}
	return body, nil
}

func drain(resp *http.Response) {
	io.CopyN(io.Discard, resp.Body, world.MaxResponseBodySize) // nolint:errcheck
	resp.Body.Close()
}
