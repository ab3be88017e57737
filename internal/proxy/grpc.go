package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

// GRPCCall is the inbound body shape for gRPC dispatch.
type GRPCCall struct {
	Method  string          `json:"method"` // "Service.Method"
	Message json.RawMessage `json:"message"`
}

// GRPCDispatcher performs dynamic unary gRPC calls against descriptors
// compiled from uploaded .proto files (one FileDescriptorSet artifact per
// (api_name, api_version)), optionally falling back to server reflection
// when DOORMAN_ENABLE_GRPC_REFLECTION is set.
type GRPCDispatcher struct {
	artifactDir       string
	reflectionEnabled bool

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	files map[string]*protoregistry.Files // keyed by "{name}/{version}"
}

// NewGRPCDispatcher builds a GRPCDispatcher over the artifact directory.
func NewGRPCDispatcher(artifactDir string, reflectionEnabled bool) *GRPCDispatcher {
	return &GRPCDispatcher{
		artifactDir:       artifactDir,
		reflectionEnabled: reflectionEnabled,
		conns:             make(map[string]*grpc.ClientConn),
		files:             make(map[string]*protoregistry.Files),
	}
}

// Close tears down every cached client connection.
func (g *GRPCDispatcher) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
	g.conns = make(map[string]*grpc.ClientConn)
}

// grpcStatusToHTTP maps gRPC status codes to gateway HTTP statuses.
func grpcStatusToHTTP(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// grpcRetryable mirrors the HTTP retry rule: transient server-side codes only.
func grpcRetryable(code codes.Code) bool {
	return code == codes.Unavailable || code == codes.DeadlineExceeded
}

// firstGRPCServer returns the first api_server with a grpc:// or grpcs://
// scheme plus whether the connection uses TLS.
func firstGRPCServer(api *store.API) (target string, useTLS bool, ok bool) {
	for _, s := range api.APIServers {
		if rest, found := strings.CutPrefix(s, "grpc://"); found {
			return rest, false, true
		}
		if rest, found := strings.CutPrefix(s, "grpcs://"); found {
			return rest, true, true
		}
	}
	return "", false, false
}

func (g *GRPCDispatcher) conn(target string, useTLS bool) (*grpc.ClientConn, error) {
	key := target
	if useTLS {
		key = "tls:" + target
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[key]; ok {
		return c, nil
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewClientTLSFromCert(nil, "")
	}
	c, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	g.conns[key] = c
	return c, nil
}

// artifactPath is the on-disk location of a compiled descriptor set.
func (g *GRPCDispatcher) artifactPath(name, version string) string {
	return filepath.Join(g.artifactDir, fmt.Sprintf("%s_%s.pb", name, version))
}

// descriptorsFor loads (and caches) the descriptor registry for an API,
// preferring the compiled artifact and falling back to server reflection.
func (g *GRPCDispatcher) descriptorsFor(ctx context.Context, api *store.API, conn *grpc.ClientConn, symbol string) (*protoregistry.Files, error) {
	key := api.APIName + "/" + api.APIVersion

	g.mu.Lock()
	files, ok := g.files[key]
	g.mu.Unlock()
	if ok {
		return files, nil
	}

	raw, err := os.ReadFile(g.artifactPath(api.APIName, api.APIVersion))
	switch {
	case err == nil:
		var set descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(raw, &set); err != nil {
			return nil, fmt.Errorf("proxy: corrupt descriptor artifact for %s: %w", key, err)
		}
		files, err = protodesc.NewFiles(&set)
		if err != nil {
			return nil, fmt.Errorf("proxy: build descriptor registry for %s: %w", key, err)
		}
	case g.reflectionEnabled:
		files, err = fetchViaReflection(ctx, conn, symbol)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("proxy: no descriptor artifact for %s and reflection is disabled", key)
	}

	g.mu.Lock()
	g.files[key] = files
	g.mu.Unlock()
	return files, nil
}

// fetchViaReflection asks the upstream's reflection service for the file
// containing symbol and assembles the returned transitive descriptor set.
func fetchViaReflection(ctx context.Context, conn *grpc.ClientConn, symbol string) (*protoregistry.Files, error) {
	client := grpc_reflection_v1.NewServerReflectionClient(conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("proxy: reflection stream: %w", err)
	}
	defer stream.CloseSend()

	err = stream.Send(&grpc_reflection_v1.ServerReflectionRequest{
		MessageRequest: &grpc_reflection_v1.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: symbol,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("proxy: reflection request: %w", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("proxy: reflection response: %w", err)
	}
	fdResp := resp.GetFileDescriptorResponse()
	if fdResp == nil {
		return nil, errors.New("proxy: reflection returned no descriptors")
	}

	var set descriptorpb.FileDescriptorSet
	for _, raw := range fdResp.GetFileDescriptorProto() {
		var fd descriptorpb.FileDescriptorProto
		if err := proto.Unmarshal(raw, &fd); err != nil {
			return nil, fmt.Errorf("proxy: reflection descriptor decode: %w", err)
		}
		set.File = append(set.File, &fd)
	}
	return protodesc.NewFiles(&set)
}

// findMethod resolves "Service.Method" against the registry, honoring the
// API's optional api_grpc_package qualifier.
func findMethod(files *protoregistry.Files, grpcPackage, call string) (protoreflect.MethodDescriptor, error) {
	dot := strings.LastIndex(call, ".")
	if dot <= 0 || dot == len(call)-1 {
		return nil, fmt.Errorf("proxy: method %q must be Service.Method", call)
	}
	serviceName, methodName := call[:dot], call[dot+1:]

	var candidates []protoreflect.FullName
	if grpcPackage != "" {
		candidates = append(candidates, protoreflect.FullName(grpcPackage+"."+serviceName))
	}
	candidates = append(candidates, protoreflect.FullName(serviceName))

	for _, fullName := range candidates {
		desc, err := files.FindDescriptorByName(fullName)
		if err != nil {
			continue
		}
		svc, ok := desc.(protoreflect.ServiceDescriptor)
		if !ok {
			continue
		}
		if m := svc.Methods().ByName(protoreflect.Name(methodName)); m != nil {
			return m, nil
		}
	}

	// Last resort: scan every registered service for a suffix match.
	var found protoreflect.MethodDescriptor
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		services := fd.Services()
		for i := 0; i < services.Len(); i++ {
			svc := services.Get(i)
			if string(svc.Name()) != serviceName {
				continue
			}
			if m := svc.Methods().ByName(protoreflect.Name(methodName)); m != nil {
				found = m
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("proxy: method %q not found", call)
	}
	return found, nil
}

// dispatchGRPC executes one dynamic unary call with the dispatcher's retry
// semantics (Unavailable / DeadlineExceeded retry, everything else is final).
func (d *Dispatcher) dispatchGRPC(ctx context.Context, req *Request, settings Settings) (*Response, *gwerrors.Error) {
	if d.grpc == nil {
		return nil, gwerrors.New(gwerrors.GtwInvalidRequest, http.StatusBadGateway, "grpc dispatch is not configured")
	}

	var call GRPCCall
	if err := json.Unmarshal(req.Body, &call); err != nil || call.Method == "" {
		return nil, gwerrors.New(gwerrors.GtwInvalidRequest, http.StatusBadRequest, "body must be {method, message}")
	}

	target, useTLS, ok := firstGRPCServer(req.API)
	if !ok {
		return nil, gwerrors.ErrNoServers.WithDetails("no grpc:// or grpcs:// server configured")
	}

	conn, err := d.grpc.conn(target, useTLS)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GtwUpstreamError, http.StatusBadGateway, "grpc connection failed")
	}

	symbol := call.Method[:strings.LastIndex(call.Method, ".")]
	if req.API.GRPCPackage != "" {
		symbol = req.API.GRPCPackage + "." + symbol
	}

	files, err := d.grpc.descriptorsFor(ctx, req.API, conn, symbol)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GtwProtoDecodeError, http.StatusBadGateway, "grpc descriptors unavailable")
	}

	method, err := findMethod(files, req.API.GRPCPackage, call.Method)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.GtwInvalidEndpoint, http.StatusNotFound, "grpc method not found")
	}

	in := dynamicpb.NewMessage(method.Input())
	if len(call.Message) > 0 {
		if err := protojson.Unmarshal(call.Message, in); err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.GtwProtoDecodeError, http.StatusBadRequest, "message does not match the method's request type")
		}
	}

	fullMethod := fmt.Sprintf("/%s/%s", method.Parent().(protoreflect.ServiceDescriptor).FullName(), method.Name())

	var lastStatus *status.Status
	retries := 0
	backoffDelay := settings.RetryBackoffBase
	if backoffDelay <= 0 {
		backoffDelay = 100 * time.Millisecond
	}

	for attempt := 0; attempt <= req.API.AllowedRetryCount; attempt++ {
		if attempt > 0 {
			retries++
			select {
			case <-ctx.Done():
				return nil, gwerrors.ErrUpstreamTimeout
			case <-time.After(backoffDelay):
			}
			backoffDelay *= 2
			if settings.RetryBackoffMax > 0 && backoffDelay > settings.RetryBackoffMax {
				backoffDelay = settings.RetryBackoffMax
			}
		}

		out := dynamicpb.NewMessage(method.Output())
		err := conn.Invoke(ctx, fullMethod, in, out)
		if err == nil {
			body, mErr := protojson.Marshal(out)
			if mErr != nil {
				return nil, gwerrors.Wrap(mErr, gwerrors.GtwProtoDecodeError, http.StatusBadGateway, "grpc response encode failed")
			}
			header := http.Header{}
			header.Set("Content-Type", "application/json")
			return &Response{StatusCode: http.StatusOK, Header: header, Body: body, Retries: retries, ServerURL: target}, nil
		}

		st, _ := status.FromError(err)
		lastStatus = st
		if !grpcRetryable(st.Code()) {
			break
		}
	}

	httpStatus := grpcStatusToHTTP(lastStatus.Code())
	body, _ := json.Marshal(map[string]any{
		"error_code":    "GTW001",
		"error_message": lastStatus.Message(),
		"grpc_code":     lastStatus.Code().String(),
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return &Response{StatusCode: httpStatus, Header: header, Body: body, Retries: retries, ServerURL: target}, nil
}
