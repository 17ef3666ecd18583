package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// errPrivateAddress is returned when a webhook resolves to a non-public address.
var errPrivateAddress = errors.New("private/internal address not allowed")

// WebhookConfig configures one webhook target.
type WebhookConfig struct {
	Name         string
	URL          string
	Headers      map[string]string
	AllowPrivate bool // Permit loopback, private and link-local addresses.
}

// WebhookSender POSTs the JSON message to a URL.
// Unless AllowPrivate is set, connections to loopback, private, link-local
// and unspecified addresses are refused at dial time, so DNS answers that
// change between checks cannot reach internal hosts.
type WebhookSender struct {
	cfg        WebhookConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookSender validates the URL and creates a sender.
func NewWebhookSender(cfg WebhookConfig, logger *slog.Logger) (*WebhookSender, error) {
	if err := validateWebhookURL(cfg.URL, cfg.AllowPrivate); err != nil {
		return nil, fmt.Errorf("webhook URL rejected: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !cfg.AllowPrivate {
		dialer.Control = refusePrivate
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &WebhookSender{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
			// Do not follow redirects: a redirect could point at an internal host.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

func (s *WebhookSender) Name() string { return s.cfg.Name }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "coder1-webhook/1.0")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// validateWebhookURL checks the scheme and, unless allowPrivate, rejects
// literal loopback or private hosts early. Hostnames are checked again at
// dial time by refusePrivate.
func validateWebhookURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return errPrivateAddress
	}
	if addr, err := netip.ParseAddr(host); err == nil && !isPublic(addr) {
		return fmt.Errorf("%w: %s", errPrivateAddress, addr)
	}
	return nil
}

// refusePrivate is a net.Dialer Control hook that rejects non-public peers.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("parsing dial address %q: %w", address, err)
	}
	if !isPublic(ap.Addr()) {
		return fmt.Errorf("%w: %s", errPrivateAddress, ap.Addr())
	}
	return nil
}

func isPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast())
}
