package handler

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/service"
)

// AutoPostingServiceName is the fully qualified gRPC service name.
const AutoPostingServiceName = "gl.autoposting.v1.AutoPostingService"

// AutoPostingServer is the gRPC surface. Every message is a
// google.protobuf.Struct carrying the JSON form of the service types.
type AutoPostingServer interface {
	ProcessTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ProcessEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ProcessBulk(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	InitiateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ProcessDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPendingApprovals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RetryFailedTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	TestRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv AutoPostingServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AutoPostingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + AutoPostingServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AutoPostingServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// AutoPostingServiceDesc describes the service for grpc.Server.RegisterService.
var AutoPostingServiceDesc = grpc.ServiceDesc{
	ServiceName: AutoPostingServiceName,
	HandlerType: (*AutoPostingServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("ProcessTransaction", AutoPostingServer.ProcessTransaction),
		methodDesc("ProcessEvent", AutoPostingServer.ProcessEvent),
		methodDesc("ProcessBulk", AutoPostingServer.ProcessBulk),
		methodDesc("InitiateApproval", AutoPostingServer.InitiateApproval),
		methodDesc("ProcessDecision", AutoPostingServer.ProcessDecision),
		methodDesc("GetWorkflow", AutoPostingServer.GetWorkflow),
		methodDesc("GetPendingApprovals", AutoPostingServer.GetPendingApprovals),
		methodDesc("RetryFailedTransaction", AutoPostingServer.RetryFailedTransaction),
		methodDesc("TestRule", AutoPostingServer.TestRule),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gl/autoposting/v1/autoposting.proto",
}

// GRPCHandler implements AutoPostingServer on top of the services.
type GRPCHandler struct {
	svc    Services
	logger *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		svc:    svc,
		logger: &logger.Logger{Logger: log.With().Str("handler", "grpc").Logger()},
	}
}

// Register attaches the handler to a gRPC server.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&AutoPostingServiceDesc, h)
}

// grpcUserID extracts the caller from gateway metadata, or returns empty string.
func grpcUserID(ctx context.Context) string {
	return firstMetadata(ctx, "x-user-id")
}

func grpcUserRoles(ctx context.Context) []string {
	return splitRoles(firstMetadata(ctx, "x-user-roles"))
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// ProcessTransaction runs the posting flow for one TransactionEvent.
func (h *GRPCHandler) ProcessTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var evt event.TransactionEvent
	if err := fromStruct(req, &evt); err != nil {
		return nil, err
	}

	h.logger.Info().
		Str("transaction_type", evt.TransactionType).
		Str("source_document_id", evt.SourceDocumentID).
		Msg("gRPC ProcessTransaction called")

	res, err := h.svc.Posting.ProcessTransaction(ctx, evt)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

// ProcessEvent adapts an upstream event: {"event_name": ..., "payload": {...}}.
func (h *GRPCHandler) ProcessEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		EventName string        `json:"event_name"`
		Payload   event.Payload `json:"payload"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	evt, err := h.svc.Events.Adapt(in.EventName, in.Payload)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	res, err := h.svc.Posting.ProcessTransaction(ctx, evt)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

func (h *GRPCHandler) ProcessBulk(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		Events []event.TransactionEvent `json:"events"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if len(in.Events) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one event is required")
	}
	return toStruct(h.svc.Posting.ProcessBulk(ctx, in.Events))
}

func (h *GRPCHandler) InitiateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in initiateWorkflowRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	wf, err := h.svc.Workflows.InitiateApproval(ctx, service.InitiateApprovalRequest{
		WorkflowType:         in.WorkflowType,
		WorkflowName:         in.WorkflowName,
		Description:          in.Description,
		SourceDocumentType:   in.SourceDocumentType,
		SourceDocumentID:     in.SourceDocumentID,
		ReferenceID:          in.ReferenceID,
		Amount:               in.Amount,
		BusinessContext:      in.BusinessContext,
		ApprovalData:         in.ApprovalData,
		InitiatedBy:          grpcUserID(ctx),
		Steps:                in.Steps,
		EscalationMatrix:     in.EscalationMatrix,
		EnableAutoEscalation: in.EnableAutoEscalation,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"workflow_id": wf.ID, "status": wf.Status, "current_step": wf.CurrentStep})
}

func (h *GRPCHandler) ProcessDecision(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		WorkflowID string `json:"workflow_id"`
		StepNumber int    `json:"step_number"`
		Action     string `json:"action"`
		Comments   string `json:"comments"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}

	res, err := h.svc.Workflows.ProcessDecision(ctx, service.DecisionRequest{
		WorkflowID:    in.WorkflowID,
		StepNumber:    in.StepNumber,
		ApproverUser:  grpcUserID(ctx),
		ApproverRoles: grpcUserRoles(ctx),
		Action:        in.Action,
		Comments:      in.Comments,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["workflow_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id is required")
	}
	wf, approvals, err := h.svc.Workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"workflow": wf, "approvals": approvals})
}

func (h *GRPCHandler) GetPendingApprovals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	pending, err := h.svc.Workflows.GetPendingApprovals(ctx, grpcUserID(ctx), grpcUserRoles(ctx), limit)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"approvals": pending, "total": len(pending)})
}

func (h *GRPCHandler) RetryFailedTransaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["audit_log_id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "audit_log_id is required")
	}
	res, err := h.svc.Posting.RetryFailedTransaction(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(res)
}

func (h *GRPCHandler) TestRule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in struct {
		RuleID          string         `json:"rule_id"`
		TransactionData map[string]any `json:"transaction_data"`
	}
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	eval, err := h.svc.Rules.TestRule(ctx, in.RuleID, in.TransactionData)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(eval)
}

// ── Conversion ────────────────────────────────────────────────────────────────

func fromStruct(s *structpb.Struct, out any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(b, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

// mapErrorToGRPC maps service errors to gRPC status codes
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		code = codes.NotFound
	case errors.ErrCodeInvalidInput:
		code = codes.InvalidArgument
	case errors.ErrCodeConflict:
		code = codes.FailedPrecondition
	case errors.ErrCodeAlreadyExists:
		code = codes.AlreadyExists
	case errors.ErrCodeUnauthorized:
		code = codes.PermissionDenied
	case errors.ErrCodeUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
