package grpcclient

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"math"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/faceguard/internal/imageprocessor"
)

type handlerFunc func(ctx context.Context, img image.Image) (map[string]any, error)

type fakeSidecar struct {
	handlers map[string]handlerFunc
	info     map[string]any
}

func (f *fakeSidecar) serve(srv any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)

	if method == MethodModelInfo {
		if err := stream.RecvMsg(&emptypb.Empty{}); err != nil {
			return err
		}
		resp, err := structpb.NewStruct(f.info)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}

	h, ok := f.handlers[method]
	if !ok {
		return status.Errorf(codes.Unimplemented, "method %s not loaded", method)
	}
	in := &wrapperspb.BytesValue{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	img, err := png.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	fields, err := h(stream.Context(), img)
	if err != nil {
		return err
	}
	resp, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func startSidecar(t *testing.T, sidecar *fakeSidecar, timeout time.Duration) *InferenceClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.UnknownServiceHandler(sidecar.serve))
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewInferenceClient(conn, timeout, zap.NewNop())
}

func testFrame() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 16, 12))
}

func TestDetectFacesParsesBoxes(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodDetectFaces: func(ctx context.Context, img image.Image) (map[string]any, error) {
			if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 12 {
				return nil, status.Error(codes.InvalidArgument, "unexpected frame size")
			}
			return map[string]any{"faces": []any{
				map[string]any{"x": 1, "y": 2, "width": 5, "height": 6},
				map[string]any{"x": 8, "y": 0, "width": 4, "height": 4},
			}}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	faces, err := client.DetectFaces(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []image.Rectangle{image.Rect(1, 2, 6, 8), image.Rect(8, 0, 12, 4)}
	if len(faces) != len(want) {
		t.Fatalf("got %d faces, want %d", len(faces), len(want))
	}
	for i := range want {
		if faces[i] != want[i] {
			t.Fatalf("face %d = %v, want %v", i, faces[i], want[i])
		}
	}
}

func TestEmbedNormalises(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodEmbed: func(ctx context.Context, img image.Image) (map[string]any, error) {
			return map[string]any{"embedding": []any{3.0, 4.0}}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	emb, err := client.Embed(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emb) != 2 || math.Abs(float64(emb[0])-0.6) > 1e-6 || math.Abs(float64(emb[1])-0.8) > 1e-6 {
		t.Fatalf("unexpected embedding %v", emb)
	}
}

func TestEmbedRejectsEmptyVector(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodEmbed: func(ctx context.Context, img image.Image) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	if _, err := client.Embed(context.Background(), testFrame()); !errors.Is(err, imageprocessor.ErrEmptyResult) {
		t.Fatalf("expected ErrEmptyResult, got %v", err)
	}
}

func TestEstimateDepthBuildsMap(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodDepth: func(ctx context.Context, img image.Image) (map[string]any, error) {
			return map[string]any{"width": 2, "height": 2, "values": []any{0.1, 0.2, 0.3, 0.4}}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	depth, err := client.EstimateDepth(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth.Width != 2 || depth.Height != 2 {
		t.Fatalf("unexpected depth size %dx%d", depth.Width, depth.Height)
	}
	if got := depth.At(1, 1); math.Abs(float64(got)-0.4) > 1e-6 {
		t.Fatalf("depth.At(1,1) = %v", got)
	}
}

func TestEstimateDepthRejectsMismatchedSize(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodDepth: func(ctx context.Context, img image.Image) (map[string]any, error) {
			return map[string]any{"width": 3, "height": 3, "values": []any{0.1}}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	if _, err := client.EstimateDepth(context.Background(), testFrame()); err == nil {
		t.Fatalf("expected error for inconsistent depth map")
	}
}

func TestSpoofScore(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodSpoofScore: func(ctx context.Context, img image.Image) (map[string]any, error) {
			return map[string]any{"score": 0.75}, nil
		},
	}}
	client := startSidecar(t, sidecar, time.Second)

	score, err := client.SpoofScore(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0.75 {
		t.Fatalf("score = %v, want 0.75", score)
	}
}

func TestCallTimeoutMapsToDeadlineExceeded(t *testing.T) {
	sidecar := &fakeSidecar{handlers: map[string]handlerFunc{
		MethodDetectFaces: func(ctx context.Context, img image.Image) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}
	client := startSidecar(t, sidecar, 50*time.Millisecond)

	_, err := client.DetectFaces(context.Background(), testFrame())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMissingModelIsUnavailable(t *testing.T) {
	client := startSidecar(t, &fakeSidecar{}, time.Second)

	_, err := client.SpoofScore(context.Background(), testFrame())
	if !errors.Is(err, imageprocessor.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestProbeListsCapabilities(t *testing.T) {
	sidecar := &fakeSidecar{info: map[string]any{"capabilities": map[string]any{
		"detect": map[string]any{"model": "yunet"},
		"depth":  map[string]any{"model": "midas_small", "input_width": 256, "input_height": 256},
	}}}
	client := startSidecar(t, sidecar, time.Second)

	models, err := client.Probe(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 capabilities, got %v", models)
	}
	depth, ok := models[CapabilityDepth]
	if !ok || depth.Model != "midas_small" || depth.InputWidth != 256 {
		t.Fatalf("unexpected depth model info %+v", depth)
	}
	if _, ok := models[CapabilityEmbed]; ok {
		t.Fatalf("embedder should not be reported")
	}
}
