package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the CLI-side handle to a node's admin surface.
type Client struct {
	conn   *grpc.ClientConn
	secret string
}

// Dial connects to a node's admin address. The loopback surface is
// plaintext; the shared secret, when configured, rides a metadata
// header on every call.
func Dial(addr, secret string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, secret: secret}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if c.secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SecretHeader, c.secret)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func request(database, q string, binds map[string]interface{}) (*structpb.Struct, error) {
	fields := map[string]interface{}{"database": database, "query": q}
	if len(binds) > 0 {
		fields["binds"] = binds
	}
	return structpb.NewStruct(fields)
}

// Explain asks the node to explain a query.
func (c *Client) Explain(ctx context.Context, database, q string, binds map[string]interface{}) (map[string]interface{}, error) {
	in, err := request(database, q, binds)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "Explain", in)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Query runs a query and returns its rows.
func (c *Client) Query(ctx context.Context, database, q string, binds map[string]interface{}) (map[string]interface{}, error) {
	in, err := request(database, q, binds)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "Query", in)
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ShardTables dumps the node's shard tables.
func (c *Client) ShardTables(ctx context.Context) (map[string]interface{}, error) {
	out, err := c.invoke(ctx, "ShardTables", &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Status reports the node's replication and catalog status.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	out, err := c.invoke(ctx, "Status", &structpb.Struct{})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
