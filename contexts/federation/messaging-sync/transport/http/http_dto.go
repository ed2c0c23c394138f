package http

import (
	contractsv1 "parley/contracts/gen/federation/v1"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReceiveEventRequest is the signed peer-to-peer event envelope as received
// on the wire.
type ReceiveEventRequest = contractsv1.Envelope

type ReceiveEventResponse struct {
	Status string `json:"status"`
	Data   struct {
		EventID  string `json:"event_id"`
		Outcome  string `json:"outcome"`
		StreamID string `json:"stream_id"`
		Sequence int64  `json:"sequence"`
	} `json:"data"`
}

// ImportSnapshotRequest is a full-state snapshot pushed by a peer.
type ImportSnapshotRequest = contractsv1.Snapshot

type ImportSnapshotResponse struct {
	Status string `json:"status"`
	Data   struct {
		OriginDomain   string `json:"origin_domain"`
		ServerRemoteID string `json:"server_remote_id"`
		ChannelCount   int    `json:"channel_count"`
		MessageCount   int    `json:"message_count"`
	} `json:"data"`
}

type GetSnapshotResponse struct {
	Status string               `json:"status"`
	Data   contractsv1.Snapshot `json:"data"`
}

type PublishEventRequest struct {
	EventType string `json:"event_type"`
	ServerID  string `json:"server_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type PublishEventResponse struct {
	Status string `json:"status"`
	Data   struct {
		EventID       string   `json:"event_id"`
		EventType     string   `json:"event_type"`
		StreamID      string   `json:"stream_id"`
		Sequence      int64    `json:"sequence"`
		TargetDomains []string `json:"target_domains"`
		Enqueued      bool     `json:"enqueued"`
	} `json:"data"`
}

type PushSnapshotResponse struct {
	Status string `json:"status"`
	Data   struct {
		ServerID      string   `json:"server_id"`
		PushedDomains []string `json:"pushed_domains"`
		FailedDomains []string `json:"failed_domains"`
	} `json:"data"`
}

// DiscoveryResponse is the unauthenticated federation capability document
// served at /.well-known/parley.
type DiscoveryResponse struct {
	Domain        string   `json:"domain"`
	SchemaVersion int      `json:"schema_version"`
	Features      []string `json:"features"`
	Endpoints     []string `json:"endpoints"`
}
