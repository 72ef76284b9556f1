package server

import (
	"context"

	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RetrievalServiceName is the fully qualified gRPC service name.
const RetrievalServiceName = "docrag.v1.RetrievalService"

const (
	SearchMethod = "/" + RetrievalServiceName + "/Search"
	AskMethod    = "/" + RetrievalServiceName + "/Ask"
)

// RetrievalServer is the gRPC retrieval API. Requests and responses are
// google.protobuf.Struct messages with the same field names as the JSON API.
type RetrievalServer interface {
	Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRetrievalServer registers srv on s.
func RegisterRetrievalServer(s grpc.ServiceRegistrar, srv RetrievalServer) {
	s.RegisterService(&retrievalServiceDesc, srv)
}

var retrievalServiceDesc = grpc.ServiceDesc{
	ServiceName: RetrievalServiceName,
	HandlerType: (*RetrievalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: unaryStructHandler(SearchMethod, RetrievalServer.Search)},
		{MethodName: "Ask", Handler: unaryStructHandler(AskMethod, RetrievalServer.Ask)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docrag/v1/retrieval.proto",
}

func unaryStructHandler(
	fullMethod string,
	call func(RetrievalServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RetrievalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RetrievalServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RetrievalClient calls RetrievalService over conn.
type RetrievalClient struct {
	conn grpc.ClientConnInterface
}

// NewRetrievalClient creates a client for RetrievalService.
func NewRetrievalClient(conn grpc.ClientConnInterface) *RetrievalClient {
	return &RetrievalClient{conn: conn}
}

// Search calls RetrievalService/Search.
func (c *RetrievalClient) Search(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, SearchMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Ask calls RetrievalService/Ask.
func (c *RetrievalClient) Ask(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, AskMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// retrievalHandler adapts service.RetrievalService to RetrievalServer.
type retrievalHandler struct {
	retrieval *service.RetrievalService
}

// NewRetrievalHandler exposes svc as a RetrievalServer.
func NewRetrievalHandler(svc *service.RetrievalService) RetrievalServer {
	return &retrievalHandler{retrieval: svc}
}

func (h *retrievalHandler) Search(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, err := auth.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	resp, err := h.retrieval.Search(ctx, identity, service.SearchRequest{
		Query:      fields["query"].GetStringValue(),
		DocumentID: fields["document_id"].GetStringValue(),
		Limit:      int(fields["limit"].GetNumberValue()),
	})
	if err != nil {
		return nil, err
	}

	results := make([]any, len(resp.Results))
	for i, hit := range resp.Results {
		m := citationMap(hit.Citation)
		m["text"] = hit.Text
		results[i] = m
	}
	return toStruct(map[string]any{
		"results":    results,
		"candidates": resp.Candidates,
		"took_ms":    resp.Took.Milliseconds(),
	})
}

func (h *retrievalHandler) Ask(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, err := auth.RequireIdentity(ctx)
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	resp, err := h.retrieval.Ask(ctx, identity,
		fields["question"].GetStringValue(),
		fields["document_id"].GetStringValue())
	if err != nil {
		return nil, err
	}

	citations := make([]any, len(resp.Citations))
	for i, c := range resp.Citations {
		citations[i] = citationMap(c)
	}
	return toStruct(map[string]any{
		"answer":    resp.Answer,
		"citations": citations,
	})
}

func citationMap(c service.Citation) map[string]any {
	return map[string]any{
		"document_id": c.DocumentID,
		"filename":    c.Filename,
		"page":        c.Page,
		"chunk_index": c.ChunkIndex,
		"snippet":     c.Snippet,
		"score":       c.Score,
	}
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// Compile-time check
var _ RetrievalServer = (*retrievalHandler)(nil)
