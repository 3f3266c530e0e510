package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Client calls the Cache service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any, PResp interface {
	*Resp
	wireMessage
}](ctx context.Context, c *Client, method string, req wireMessage, opts []grpc.CallOption) (PResp, error) {
	var resp PResp = new(Resp)
	out := dynamicpb.NewMessage(resp.descriptor())
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, toWire(req), out, opts...); err != nil {
		var zero PResp
		return zero, err
	}
	if err := resp.decode(out); err != nil {
		var zero PResp
		return zero, err
	}
	return resp, nil
}

// Get calls Cache.Get.
func (c *Client) Get(ctx context.Context, req *GetRequest, opts ...grpc.CallOption) (*RecordResponse, error) {
	return invoke[RecordResponse](ctx, c, "Get", req, opts)
}

// GetByIndex calls Cache.GetByIndex.
func (c *Client) GetByIndex(ctx context.Context, req *GetByIndexRequest, opts ...grpc.CallOption) (*RecordResponse, error) {
	return invoke[RecordResponse](ctx, c, "GetByIndex", req, opts)
}

// Put calls Cache.Put.
func (c *Client) Put(ctx context.Context, req *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	return invoke[PutResponse](ctx, c, "Put", req, opts)
}

// Delete calls Cache.Delete.
func (c *Client) Delete(ctx context.Context, req *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c, "Delete", req, opts)
}

// Query calls Cache.Query.
func (c *Client) Query(ctx context.Context, req *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	return invoke[QueryResponse](ctx, c, "Query", req, opts)
}
