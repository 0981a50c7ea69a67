package participant

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sushant-115/gojotxn/pkg/connection"
	logging "github.com/sushant-115/gojotxn/pkg/logger"
)

const (
	ServiceName  = "gojotxn.participant.v1.Participant"
	invokeMethod = "/" + ServiceName + "/Invoke"

	fieldEntryPoint = "entry_point"
	fieldParameters = "parameters"
)

// GRPCParticipant calls a remote participant over gRPC. Requests are
// google.protobuf.Struct values carrying the entry point and parameters.
type GRPCParticipant struct {
	conns  *connection.ConnectionPoolManager
	target string
}

func NewGRPCParticipant(conns *connection.ConnectionPoolManager, target string) *GRPCParticipant {
	return &GRPCParticipant{conns: conns, target: target}
}

func (g *GRPCParticipant) Target() string { return g.target }

func (g *GRPCParticipant) Call(ctx context.Context, entryPoint string, params []string) error {
	conn, err := g.conns.Get(g.target)
	if err != nil {
		return err
	}
	req, err := encodeRequest(entryPoint, params)
	if err != nil {
		return err
	}
	if err := conn.Invoke(ctx, invokeMethod, req, &emptypb.Empty{}); err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
			return errors.New(st.Message())
		}
		return err
	}
	return nil
}

func encodeRequest(entryPoint string, params []string) (*structpb.Struct, error) {
	values := make([]any, len(params))
	for i, p := range params {
		values[i] = p
	}
	return structpb.NewStruct(map[string]any{
		fieldEntryPoint: entryPoint,
		fieldParameters: values,
	})
}

func decodeRequest(req *structpb.Struct) (string, []string, error) {
	fields := req.GetFields()
	entryPoint := fields[fieldEntryPoint].GetStringValue()
	if entryPoint == "" {
		return "", nil, errors.New("missing entry_point")
	}
	var params []string
	for i, v := range fields[fieldParameters].GetListValue().GetValues() {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return "", nil, fmt.Errorf("parameter %d is not a string", i)
		}
		params = append(params, s.StringValue)
	}
	return entryPoint, params, nil
}

// participantServer adapts a Participant to the Invoke RPC.
type participantServer struct {
	p      Participant
	logger *zap.Logger
}

func (s *participantServer) invoke(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	entryPoint, params, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.p.Call(ctx, entryPoint, params); err != nil {
		s.logger.Info("entry point refused", zap.String("entry_point", entryPoint), zap.Error(err))
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*participantServer)
	if interceptor == nil {
		return s.invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gojotxn/participant.proto",
}

// RegisterServer exposes p on s. Participant refusals travel as
// FailedPrecondition and surface on the client as plain errors.
func RegisterServer(s *grpc.Server, p Participant, logger *zap.Logger) {
	logger = logging.OrNop(logger)
	s.RegisterService(&serviceDesc, &participantServer{p: p, logger: logger.Named("participant_server")})
}
