package httpadapter

import (
	"context"
	"log/slog"

	"parley/contexts/federation/messaging-sync/application"
	"parley/contexts/federation/messaging-sync/application/commands"
	"parley/contexts/federation/messaging-sync/application/queries"
	httptransport "parley/contexts/federation/messaging-sync/transport/http"
)

type Handler struct {
	Service      application.Service
	Export       queries.ExportSnapshotUseCase
	Publish      commands.PublishEventUseCase
	PushSnapshot commands.PushSnapshotUseCase
	Logger       *slog.Logger
}

// ReceiveEventHandler processes one signed peer delivery. callerDomain is the
// authenticated domain from the request signature.
func (h Handler) ReceiveEventHandler(
	ctx context.Context,
	callerDomain string,
	req httptransport.ReceiveEventRequest,
) (httptransport.ReceiveEventResponse, error) {
	outcome, err := h.Service.ProcessEvent(ctx, callerDomain, req)
	if err != nil {
		return httptransport.ReceiveEventResponse{}, err
	}
	resp := httptransport.ReceiveEventResponse{Status: "success"}
	resp.Data.EventID = req.EventID
	resp.Data.Outcome = string(outcome)
	resp.Data.StreamID = req.StreamID
	resp.Data.Sequence = req.Sequence
	return resp, nil
}

func (h Handler) ImportSnapshotHandler(
	ctx context.Context,
	callerDomain string,
	req httptransport.ImportSnapshotRequest,
) (httptransport.ImportSnapshotResponse, error) {
	if err := h.Service.ImportSnapshot(ctx, callerDomain, req); err != nil {
		return httptransport.ImportSnapshotResponse{}, err
	}
	resp := httptransport.ImportSnapshotResponse{Status: "success"}
	resp.Data.OriginDomain = req.OriginDomain
	resp.Data.ServerRemoteID = req.Server.RemoteID
	resp.Data.ChannelCount = len(req.Channels)
	resp.Data.MessageCount = len(req.Messages)
	return resp, nil
}

func (h Handler) GetSnapshotHandler(
	ctx context.Context,
	serverID string,
) (httptransport.GetSnapshotResponse, error) {
	snapshot, err := h.Export.Execute(ctx, queries.GetSnapshotQuery{ServerID: serverID})
	if err != nil {
		return httptransport.GetSnapshotResponse{}, err
	}
	return httptransport.GetSnapshotResponse{Status: "success", Data: snapshot}, nil
}

func (h Handler) PublishEventHandler(
	ctx context.Context,
	req httptransport.PublishEventRequest,
) (httptransport.PublishEventResponse, error) {
	result, err := h.Publish.Execute(ctx, commands.PublishEventCommand{
		EventType: req.EventType,
		ServerID:  req.ServerID,
		ChannelID: req.ChannelID,
		MessageID: req.MessageID,
	})
	if err != nil {
		return httptransport.PublishEventResponse{}, err
	}
	resp := httptransport.PublishEventResponse{Status: "success"}
	resp.Data.EventID = result.Envelope.EventID
	resp.Data.EventType = result.Envelope.EventType
	resp.Data.StreamID = result.Envelope.StreamID
	resp.Data.Sequence = result.Envelope.Sequence
	resp.Data.TargetDomains = h.Publish.Roster.OutgoingDomains()
	resp.Data.Enqueued = result.Enqueued
	return resp, nil
}

func (h Handler) PushSnapshotHandler(
	ctx context.Context,
	serverID string,
) (httptransport.PushSnapshotResponse, error) {
	result, err := h.PushSnapshot.Execute(ctx, commands.PushSnapshotCommand{ServerID: serverID})
	if err != nil {
		return httptransport.PushSnapshotResponse{}, err
	}
	resp := httptransport.PushSnapshotResponse{Status: "success"}
	resp.Data.ServerID = serverID
	resp.Data.PushedDomains = result.PushedDomains
	resp.Data.FailedDomains = result.FailedDomains
	return resp, nil
}
