package proxy

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doorman/gateway/internal/loadbalancer"
)

// SOAP content types per envelope version.
const (
	soap11ContentType = "text/xml; charset=utf-8"
	soap12ContentType = "application/soap+xml; charset=utf-8"

	soap12Namespace = "http://www.w3.org/2003/05/soap-envelope"
)

// PasswordType selects the WS-Security UsernameToken password form.
type PasswordType string

const (
	// PasswordText sends the password in clear inside the token (TLS-only
	// deployments).
	PasswordText PasswordType = "PasswordText"
	// PasswordDigest is the legacy SHA-1 digest form, kept for upstreams
	// that predate SHA-256 support. Network-only: never stored.
	PasswordDigest PasswordType = "PasswordDigest"
	// PasswordDigestSHA256 is the preferred digest form.
	PasswordDigestSHA256 PasswordType = "PasswordDigestSHA256"
)

// WSSecurity describes the security header injected into outbound SOAP
// envelopes. The password is resolved from the vault at dispatch time and
// never persisted in this form.
type WSSecurity struct {
	Username     string
	Password     string
	PasswordType PasswordType
	UseNonce     bool
	TTL          time.Duration // Timestamp expiry window; 0 = 5 minutes
}

// buildSOAP chooses the content type from the detected envelope version,
// injects the WS-Security header when credentials are configured, and sets
// the SOAPAction header for SOAP 1.1 calls.
func (d *Dispatcher) buildSOAP(ctx context.Context, req *Request, backend *loadbalancer.Backend) (*http.Request, error) {
	base := backend.ParsedURL
	if base == nil {
		var err error
		base, err = url.Parse(backend.URL)
		if err != nil {
			return nil, err
		}
	}

	body := req.Body
	soap12 := isSOAP12(body)

	if req.WSSecurity != nil {
		body = injectWSSecurity(body, req.WSSecurity)
	}

	target := *base
	target.Path = upstreamPath(base, req.Inbound.URL.Path, req.StripPrefix)
	target.RawQuery = req.Inbound.URL.RawQuery

	outbound := newOutbound(ctx, http.MethodPost, &target, body, req.Inbound)

	if soap12 {
		outbound.Header.Set("Content-Type", soap12ContentType)
	} else {
		outbound.Header.Set("Content-Type", soap11ContentType)
		if req.Endpoint != nil && req.Endpoint.SOAPAction != "" {
			outbound.Header.Set("SOAPAction", `"`+req.Endpoint.SOAPAction+`"`)
		}
	}
	return outbound, nil
}

// isSOAP12 detects the envelope version from the envelope namespace.
func isSOAP12(body []byte) bool {
	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}
	return strings.Contains(string(head), soap12Namespace)
}

const wsseNS = `xmlns:wsse="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd" xmlns:wsu="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"`

// injectWSSecurity inserts a wsse:Security block into the envelope's Header
// element, creating the Header if the envelope has none. The envelope is
// treated as text: SOAP clients produce wildly varied prefixes, and a full
// parse/serialize round-trip would disturb signed payloads.
func injectWSSecurity(envelope []byte, sec *WSSecurity) []byte {
	doc := string(envelope)

	security := buildSecurityHeader(sec, time.Now().UTC())

	// Find an existing Header element (any prefix).
	if idx := findTagEnd(doc, ":Header"); idx >= 0 {
		return []byte(doc[:idx] + security + doc[idx:])
	}

	// No header: insert one right after the Envelope open tag.
	if idx := findTagEnd(doc, ":Envelope"); idx >= 0 {
		prefix := envelopePrefix(doc)
		header := "<" + prefix + ":Header>" + security + "</" + prefix + ":Header>"
		return []byte(doc[:idx] + header + doc[idx:])
	}
	return envelope
}

// findTagEnd returns the index just past the '>' of the first opening tag
// whose name ends with suffix (e.g. ":Header" matches <soapenv:Header>).
func findTagEnd(doc, suffix string) int {
	search := 0
	for {
		lt := strings.Index(doc[search:], "<")
		if lt < 0 {
			return -1
		}
		lt += search
		gt := strings.Index(doc[lt:], ">")
		if gt < 0 {
			return -1
		}
		gt += lt
		tag := doc[lt+1 : gt]
		if !strings.HasPrefix(tag, "/") && !strings.HasPrefix(tag, "?") && !strings.HasPrefix(tag, "!") {
			name := tag
			if sp := strings.IndexAny(name, " \t\r\n/"); sp >= 0 {
				name = name[:sp]
			}
			if strings.HasSuffix(name, suffix) {
				if strings.HasSuffix(tag, "/") {
					// Self-closing tag cannot hold children.
					return -1
				}
				return gt + 1
			}
		}
		search = gt + 1
	}
}

// envelopePrefix extracts the namespace prefix of the Envelope element.
func envelopePrefix(doc string) string {
	lt := strings.Index(doc, "Envelope")
	if lt <= 0 {
		return "soapenv"
	}
	start := strings.LastIndex(doc[:lt], "<")
	if start < 0 {
		return "soapenv"
	}
	prefix := strings.TrimSuffix(doc[start+1:lt], ":")
	if prefix == "" || strings.ContainsAny(prefix, " \t\r\n") {
		return "soapenv"
	}
	return prefix
}

// buildSecurityHeader renders the wsse:Security element.
func buildSecurityHeader(sec *WSSecurity, now time.Time) string {
	ttl := sec.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	created := now.Format(time.RFC3339)
	expires := now.Add(ttl).Format(time.RFC3339)

	var b strings.Builder
	b.WriteString(`<wsse:Security ` + wsseNS + `>`)
	b.WriteString(`<wsu:Timestamp><wsu:Created>` + created + `</wsu:Created><wsu:Expires>` + expires + `</wsu:Expires></wsu:Timestamp>`)

	if sec.Username != "" {
		var nonce []byte
		if sec.UseNonce || sec.PasswordType == PasswordDigest || sec.PasswordType == PasswordDigestSHA256 {
			nonce = make([]byte, 16)
			rand.Read(nonce)
		}

		b.WriteString(`<wsse:UsernameToken><wsse:Username>` + xmlEscape(sec.Username) + `</wsse:Username>`)
		switch sec.PasswordType {
		case PasswordDigest:
			b.WriteString(`<wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">`)
			b.WriteString(passwordDigestSHA1(nonce, created, sec.Password))
			b.WriteString(`</wsse:Password>`)
		case PasswordDigestSHA256:
			b.WriteString(`<wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigestSHA256">`)
			b.WriteString(passwordDigestSHA256(nonce, created, sec.Password))
			b.WriteString(`</wsse:Password>`)
		default:
			b.WriteString(`<wsse:Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText">`)
			b.WriteString(xmlEscape(sec.Password))
			b.WriteString(`</wsse:Password>`)
		}
		if nonce != nil {
			b.WriteString(`<wsse:Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">`)
			b.WriteString(base64.StdEncoding.EncodeToString(nonce))
			b.WriteString(`</wsse:Nonce>`)
			b.WriteString(`<wsu:Created>` + created + `</wsu:Created>`)
		}
		b.WriteString(`</wsse:UsernameToken>`)
	}

	b.WriteString(`</wsse:Security>`)
	return b.String()
}

// passwordDigestSHA1 computes Base64(SHA-1(nonce + created + password)), the
// WS-Security 1.0 digest form.
func passwordDigestSHA1(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// passwordDigestSHA256 is the same construction over SHA-256.
func passwordDigestSHA256(nonce []byte, created, password string) string {
	h := sha256.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
