package peerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"parley/contexts/federation/messaging-sync/domain/services"
	"parley/contexts/federation/messaging-sync/ports"
	contractsv1 "parley/contracts/gen/federation/v1"
)

const (
	HeaderDomain    = "x-parley-domain"
	HeaderKeyID     = "x-parley-key-id"
	HeaderTimestamp = "x-parley-timestamp"
	HeaderSignature = "x-parley-signature"
)

// Client delivers signed federation calls to peers. Retries are owned by the
// outbox ledger, so the underlying http.Client performs a single attempt per
// call with the caller's context deadline.
type Client struct {
	HTTP       *http.Client
	Signer     services.Signer
	SelfDomain string
	Clock      ports.Clock
	Logger     *slog.Logger
}

func NewClient(selfDomain string, signer services.Signer, clock ports.Clock, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		Signer:     signer,
		SelfDomain: selfDomain,
		Clock:      clock,
		Logger:     logger,
	}
}

func (c *Client) SendEvent(ctx context.Context, peer ports.Peer, envelope ports.EventEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	resp, err := c.do(ctx, peer, http.MethodPost, "/federation/messaging/events", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, peer.Domain)
}

func (c *Client) SendSnapshot(ctx context.Context, peer ports.Peer, snapshot contractsv1.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	resp, err := c.do(ctx, peer, http.MethodPost, "/federation/messaging/sync", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus(resp, peer.Domain)
}

func (c *Client) FetchSnapshot(ctx context.Context, peer ports.Peer, remoteServerID string) (contractsv1.Snapshot, error) {
	path := "/federation/messaging/servers/" + url.PathEscape(remoteServerID) + "/snapshot"
	resp, err := c.do(ctx, peer, http.MethodGet, path, nil)
	if err != nil {
		return contractsv1.Snapshot{}, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp, peer.Domain); err != nil {
		return contractsv1.Snapshot{}, err
	}

	var snapshot contractsv1.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return contractsv1.Snapshot{}, fmt.Errorf("decode snapshot from %s: %w", peer.Domain, err)
	}
	return snapshot, nil
}

func (c *Client) do(ctx context.Context, peer ports.Peer, method string, path string, body []byte) (*http.Response, error) {
	key, ok := c.Signer.OutboundKey(peer)
	if !ok {
		return nil, fmt.Errorf("peer %s has no configured keys", peer.Domain)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, peer.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDomain, c.SelfDomain)
	req.Header.Set(HeaderKeyID, key.ID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, c.Signer.Sign(c.SelfDomain, method, timestamp, key.Secret))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s %s%s: %w", method, peer.Domain, path, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response, peerDomain string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("peer %s responded %d: %s", peerDomain, resp.StatusCode, detail)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) now() time.Time {
	if c.Clock == nil {
		return time.Now().UTC()
	}
	return c.Clock.Now().UTC()
}
