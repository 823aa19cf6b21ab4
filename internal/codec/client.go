package codec

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
)

// #region methods
// Producer RPCs. Each takes {"session_id": ...} and answers with the
// producer's record as a google.protobuf.Struct.
const (
	MethodFeatures = "/pulsemind.producer.v1.FeatureExtractor/Extract"
	MethodHSI      = "/pulsemind.producer.v1.HSIScorer/Score"
	MethodRhythm   = "/pulsemind.producer.v1.RhythmClassifier/Classify"
)

// #endregion methods

// #region client-struct
// ProducerClient wraps the gRPC connection to one producer service. A single
// client can answer all three roles when the producers share a server.
type ProducerClient struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
	addr string
}

// #endregion client-struct

// #region constructor
// NewProducerClient connects to a producer gRPC server. The connection is
// lazy; an unreachable server surfaces as a missing producer at call time.
func NewProducerClient(addr string) (*ProducerClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &ProducerClient{conn: conn, cc: conn, addr: addr}, nil
}

// NewProducerClientWithConn creates a ProducerClient over an injected
// connection. Used for testing without a real gRPC server.
func NewProducerClientWithConn(cc grpc.ClientConnInterface) *ProducerClient {
	return &ProducerClient{cc: cc, addr: "injected"}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *ProducerClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region producers
// Features asks the feature extractor for the session's latest window.
func (c *ProducerClient) Features(ctx context.Context, sessionID string) (signals.FeatureRecord, error) {
	var rec signals.FeatureRecord
	err := c.call(ctx, MethodFeatures, "features", sessionID, &rec)
	return rec, err
}

// HSI asks the hemodynamic scorer for the session's latest index.
func (c *ProducerClient) HSI(ctx context.Context, sessionID string) (signals.HSIRecord, error) {
	var rec signals.HSIRecord
	err := c.call(ctx, MethodHSI, "hsi", sessionID, &rec)
	return rec, err
}

// Rhythm asks the rhythm classifier for the session's latest label.
func (c *ProducerClient) Rhythm(ctx context.Context, sessionID string) (signals.RhythmRecord, error) {
	var rec signals.RhythmRecord
	err := c.call(ctx, MethodRhythm, "rhythm", sessionID, &rec)
	return rec, err
}

// #endregion producers

// #region call
// call invokes method and decodes the reply into dst. Transport errors are
// returned as-is; a reply that arrived but does not fit the producer schema
// is returned as *signals.MalformedError.
func (c *ProducerClient) call(ctx context.Context, method, producer, sessionID string, dst any) error {
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("%s request: %w", producer, err)
	}

	reply := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, req, reply); err != nil {
		return fmt.Errorf("%s rpc %s: %w", producer, c.addr, err)
	}

	raw, err := protojson.Marshal(reply)
	if err != nil {
		return &signals.MalformedError{Producer: producer, Err: err}
	}
	if err := signals.CheckShape(producer, raw); err != nil {
		return &signals.MalformedError{Producer: producer, Err: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &signals.MalformedError{Producer: producer, Err: err}
	}
	return nil
}

// #endregion call
