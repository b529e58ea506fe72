// Package admin is the loopback gRPC surface the operator CLI talks
// to: explain queries, dump shard tables, and report node status. It
// is deliberately schema-free — requests and responses are
// structpb.Struct documents, matching the database's own dynamic JSON
// model — so the surface needs no generated stubs.
package admin

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/query"
	"github.com/cuemby/solidb/internal/replication"
	"github.com/cuemby/solidb/internal/shard"
	"github.com/cuemby/solidb/internal/value"
	"github.com/cuemby/solidb/pkg/log"
)

const (
	serviceName = "solidb.admin.Admin"

	// SecretHeader carries the cluster shared secret authorizing
	// shard-direct admin calls. Compared in constant time.
	SecretHeader = "x-solidb-cluster-secret"
)

// Server serves the admin RPC surface over one engine and its cluster
// services.
type Server struct {
	eng    *engine.Engine
	repl   *replication.Service
	coord  *shard.Coordinator
	secret string
	logger zerolog.Logger

	grpc *grpc.Server
}

// NewServer builds an admin server. repl and coord may be nil on a
// single-node deployment; secret, when non-empty, is required from
// every caller.
func NewServer(eng *engine.Engine, repl *replication.Service, coord *shard.Coordinator, secret string) *Server {
	s := &Server{eng: eng, repl: repl, coord: coord, secret: secret, logger: log.WithComponent("admin")}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.authInterceptor()))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// authInterceptor rejects calls without the cluster shared secret when
// one is configured. Comparison is constant-time.
func (s *Server) authInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if s.secret == "" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		vals := md.Get(SecretHeader)
		if len(vals) == 0 || !replication.VerifySharedSecret(s.secret, vals[0]) {
			return nil, status.Error(codes.PermissionDenied, "missing or invalid cluster secret")
		}
		return handler(ctx, req)
	}
}

// Serve listens on addr until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("admin listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func field(in *structpb.Struct, name string) string {
	if in == nil {
		return ""
	}
	if v, ok := in.Fields[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func (s *Server) database(in *structpb.Struct) (*engine.Database, error) {
	name := field(in, "database")
	if name == "" {
		name = engine.SystemDatabase
	}
	db, ok := s.eng.Database(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "database %q not found", name)
	}
	return db, nil
}

func bindsOf(in *structpb.Struct) map[string]value.Value {
	binds := map[string]value.Value{}
	if in == nil {
		return binds
	}
	if raw, ok := in.Fields["binds"]; ok {
		if sv := raw.GetStructValue(); sv != nil {
			for k, v := range sv.AsMap() {
				binds[k] = value.FromJSON(v)
			}
		}
	}
	return binds
}

// Explain parses and runs {database, query, binds}, returning the
// execution trace.
func (s *Server) Explain(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	db, err := s.database(in)
	if err != nil {
		return nil, err
	}
	q, err := query.ParseQuery(field(in, "query"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	trace, err := query.NewExecutor(db.Runtime(), bindsOf(in)).Explain(q)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	timings := make([]interface{}, 0, len(trace.ClauseTimings))
	for _, ct := range trace.ClauseTimings {
		timings = append(timings, map[string]interface{}{
			"clause":      ct.Clause,
			"rows":        float64(ct.Rows),
			"duration_us": float64(ct.Duration.Microseconds()),
		})
	}
	warnings := make([]interface{}, 0, len(trace.Warnings))
	for _, w := range trace.Warnings {
		warnings = append(warnings, w)
	}
	return structpb.NewStruct(map[string]interface{}{
		"access_type":        trace.AccessType,
		"collection":         trace.Collection,
		"field":              trace.Field,
		"documents_scanned":  float64(trace.DocumentsScanned),
		"documents_returned": float64(trace.DocumentsReturned),
		"sort_skipped":       trace.SortSkipped,
		"clause_timings":     timings,
		"warnings":           warnings,
	})
}

// Query parses and runs {database, query, binds}, returning the
// RETURNed rows.
func (s *Server) Query(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	db, err := s.database(in)
	if err != nil {
		return nil, err
	}
	q, err := query.ParseQuery(field(in, "query"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rows, err := query.NewExecutor(db.Runtime(), bindsOf(in)).Execute(q)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	results := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.ToJSON())
	}
	return structpb.NewStruct(map[string]interface{}{"results": results})
}

// ShardTables dumps every persisted shard table.
func (s *Server) ShardTables(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	tables := map[string]interface{}{}
	if s.coord != nil {
		for key, table := range s.coord.Tables() {
			assignments := map[string]interface{}{}
			for _, shardID := range table.ShardIDs() {
				a := table.Assignments[shardID]
				replicas := make([]interface{}, 0, len(a.Replicas))
				for _, r := range a.Replicas {
					replicas = append(replicas, r)
				}
				assignments[fmt.Sprintf("%d", shardID)] = map[string]interface{}{
					"primary":  a.Primary,
					"replicas": replicas,
				}
			}
			tables[key] = map[string]interface{}{
				"num_shards":         float64(table.NumShards),
				"replication_factor": float64(table.ReplicationFactor),
				"assignments":        assignments,
			}
		}
	}
	return structpb.NewStruct(map[string]interface{}{"tables": tables})
}

// Status reports the node's identity, databases, replication sequence,
// and peer states.
func (s *Server) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]interface{}{
		"node_id":   s.eng.NodeID(),
		"databases": toAnySlice(s.eng.ListDatabases()),
	}
	if s.repl != nil {
		peers := make([]interface{}, 0)
		for _, p := range s.repl.Peers().Snapshot() {
			peers = append(peers, map[string]interface{}{
				"address":                p.Address,
				"node_id":                p.NodeID,
				"is_connected":           p.IsConnected,
				"last_sequence_sent":     float64(p.LastSequenceSent),
				"last_sequence_acked":    float64(p.LastSequenceAcked),
				"last_sequence_received": float64(p.LastSequenceReceived),
			})
		}
		out["current_sequence"] = float64(s.repl.Log().CurrentSequence())
		out["advertise_addr"] = s.repl.AdvertiseAddr()
		out["peers"] = peers
	}
	return structpb.NewStruct(out)
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// serviceDesc registers the schema-free methods by hand; structpb
// messages are ordinary protobufs, so the standard proto codec carries
// them.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*adminService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Explain", Handler: unaryHandler("Explain", func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) { return s.Explain(ctx, in) })},
		{MethodName: "Query", Handler: unaryHandler("Query", func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) { return s.Query(ctx, in) })},
		{MethodName: "ShardTables", Handler: unaryHandler("ShardTables", func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) { return s.ShardTables(ctx, in) })},
		{MethodName: "Status", Handler: unaryHandler("Status", func(s *Server, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) { return s.Status(ctx, in) })},
	},
	Streams: []grpc.StreamDesc{},
}

// adminService is the HandlerType marker interface.
type adminService interface {
	Explain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShardTables(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	full := "/" + serviceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(*Server), ctx, req.(*structpb.Struct))
		})
	}
}
