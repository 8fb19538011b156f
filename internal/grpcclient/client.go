// Package grpcclient talks to the model-serving sidecar that hosts the face
// detector, embedder, depth estimator and spoof classifier.
//
// Images travel as PNG inside a BytesValue and results come back as a
// protobuf Struct, so no generated stubs are needed on this side.
package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/faceguard/internal/imageprocessor"
	"github.com/example/faceguard/internal/logging"
)

const serviceName = "faceguard.inference.v1.Inference"

// Full method names served by the sidecar.
const (
	MethodModelInfo   = "/" + serviceName + "/ModelInfo"
	MethodDetectFaces = "/" + serviceName + "/DetectFaces"
	MethodEmbed       = "/" + serviceName + "/Embed"
	MethodDepth       = "/" + serviceName + "/EstimateDepth"
	MethodSpoofScore  = "/" + serviceName + "/SpoofScore"
)

// DefaultTimeout bounds a single inference call.
const DefaultTimeout = 10 * time.Second

// Capability names reported by ModelInfo.
type Capability string

const (
	CapabilityDetect Capability = "detect"
	CapabilityEmbed  Capability = "embed"
	CapabilityDepth  Capability = "depth"
	CapabilitySpoof  Capability = "spoof"
)

// ModelInfo describes one model loaded by the sidecar.
type ModelInfo struct {
	Capability  Capability `json:"capability"`
	Model       string     `json:"model"`
	InputWidth  int        `json:"input_width,omitempty"`
	InputHeight int        `json:"input_height,omitempty"`
}

// InferenceClient implements every imageprocessor capability over gRPC.
type InferenceClient struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
	logger  *zap.Logger
}

// DialInference connects to the sidecar and blocks until the connection is up
// or ctx expires.
func DialInference(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (*InferenceClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_inference", "", err)
		logger.Error("failed to dial inference sidecar", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	client := NewInferenceClient(conn, timeout, logger)
	client.closer = conn.Close
	return client, nil
}

// NewInferenceClient wraps an existing connection.
func NewInferenceClient(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *InferenceClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &InferenceClient{conn: conn, timeout: timeout, logger: logger.Named("inference_client")}
}

// Close releases the underlying connection when the client owns it.
func (c *InferenceClient) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Probe asks the sidecar which models it has loaded.
func (c *InferenceClient) Probe(ctx context.Context) (map[Capability]ModelInfo, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, "grpcclient.model_info", MethodModelInfo, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}

	models := make(map[Capability]ModelInfo)
	for name, v := range resp.GetFields()["capabilities"].GetStructValue().GetFields() {
		fields := v.GetStructValue().GetFields()
		capability := Capability(name)
		models[capability] = ModelInfo{
			Capability:  capability,
			Model:       fields["model"].GetStringValue(),
			InputWidth:  int(fields["input_width"].GetNumberValue()),
			InputHeight: int(fields["input_height"].GetNumberValue()),
		}
	}
	return models, nil
}

// DetectFaces implements imageprocessor.FaceDetector.
func (c *InferenceClient) DetectFaces(ctx context.Context, frame image.Image) ([]image.Rectangle, error) {
	resp, err := c.callImage(ctx, "grpcclient.detect_faces", MethodDetectFaces, frame)
	if err != nil {
		return nil, err
	}

	values := resp.GetFields()["faces"].GetListValue().GetValues()
	faces := make([]image.Rectangle, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		x := int(f["x"].GetNumberValue())
		y := int(f["y"].GetNumberValue())
		w := int(f["width"].GetNumberValue())
		h := int(f["height"].GetNumberValue())
		faces = append(faces, image.Rect(x, y, x+w, y+h))
	}
	return faces, nil
}

// Embed implements imageprocessor.Embedder. The returned vector is
// L2-normalised even if the model already did so.
func (c *InferenceClient) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	resp, err := c.callImage(ctx, "grpcclient.embed", MethodEmbed, face)
	if err != nil {
		return nil, err
	}

	embedding := floats(resp.GetFields()["embedding"])
	if len(embedding) == 0 {
		return nil, logging.NewOperationError("grpcclient.embed", "", imageprocessor.ErrEmptyResult)
	}
	normalize(embedding)
	return embedding, nil
}

// EstimateDepth implements imageprocessor.DepthEstimator.
func (c *InferenceClient) EstimateDepth(ctx context.Context, frame image.Image) (*imageprocessor.DepthMap, error) {
	resp, err := c.callImage(ctx, "grpcclient.estimate_depth", MethodDepth, frame)
	if err != nil {
		return nil, err
	}

	fields := resp.GetFields()
	depth, err := imageprocessor.NewDepthMap(
		int(fields["width"].GetNumberValue()),
		int(fields["height"].GetNumberValue()),
		floats(fields["values"]),
	)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.estimate_depth", "", err)
	}
	return depth, nil
}

// SpoofScore implements imageprocessor.SpoofScorer.
func (c *InferenceClient) SpoofScore(ctx context.Context, region image.Image) (float64, error) {
	resp, err := c.callImage(ctx, "grpcclient.spoof_score", MethodSpoofScore, region)
	if err != nil {
		return 0, err
	}
	score, ok := resp.GetFields()["score"]
	if !ok {
		return 0, logging.NewOperationError("grpcclient.spoof_score", "", imageprocessor.ErrEmptyResult)
	}
	return score.GetNumberValue(), nil
}

func (c *InferenceClient) callImage(ctx context.Context, operation, method string, img image.Image) (*structpb.Struct, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, logging.NewOperationError(operation, "", err)
	}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, operation, method, wrapperspb.Bytes(buf.Bytes()), resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *InferenceClient) invoke(ctx context.Context, operation, method string, in, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.conn.Invoke(callCtx, method, in, out)
	if err == nil {
		c.logger.Debug("inference call finished", zap.String("method", method), zap.Duration("elapsed", time.Since(start)))
		return nil
	}

	wrapped := logging.NewOperationError(operation, "", translate(err))
	c.logger.Error("inference call failed", zap.Error(wrapped), zap.String("method", method))
	return wrapped
}

// translate maps gRPC status codes onto errors the pipeline understands.
func translate(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case codes.Unavailable, codes.Unimplemented:
		return fmt.Errorf("%w: %v", imageprocessor.ErrUnavailable, err)
	}
	return err
}

func floats(v *structpb.Value) []float32 {
	values := v.GetListValue().GetValues()
	out := make([]float32, len(values))
	for i, item := range values {
		out[i] = float32(item.GetNumberValue())
	}
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
