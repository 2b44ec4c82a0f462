package grpcserver

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/kbukum/testkit/logger"
)

// rpcFields splits a full method name into service and method fields.
func rpcFields(fullMethod string, start time.Time) map[string]interface{} {
	return map[string]interface{}{
		"service":            path.Dir(fullMethod)[1:],
		"method":             path.Base(fullMethod),
		logger.FieldDuration: time.Since(start).Milliseconds(),
	}
}

func logResult(log *logger.Logger, what string, fields map[string]interface{}, err error) {
	if err != nil {
		st := status.Convert(err)
		fields["status"] = st.Code().String()
		fields[logger.FieldError] = st.Message()
		log.Warn(what+" failed", fields)
		return
	}
	fields["status"] = "OK"
	log.Debug(what+" completed", fields)
}

// UnaryServerLoggingInterceptor logs each handled unary RPC with its
// status and duration.
func UnaryServerLoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logResult(log, "gRPC request", rpcFields(info.FullMethod, start), err)
		return resp, err
	}
}

// StreamServerLoggingInterceptor logs each handled stream when it ends.
func StreamServerLoggingInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		fields := rpcFields(info.FullMethod, start)
		fields["server_streams"] = info.IsServerStream
		fields["client_streams"] = info.IsClientStream
		logResult(log, "gRPC stream", fields, err)
		return err
	}
}

// UnaryClientLoggingInterceptor logs each unary call made by a test
// client.
func UnaryClientLoggingInterceptor(log *logger.Logger) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		fields := rpcFields(method, start)
		fields["target"] = cc.Target()
		logResult(log, "gRPC call", fields, err)
		return err
	}
}

// StreamClientLoggingInterceptor logs stream establishment by a test
// client.
func StreamClientLoggingInterceptor(log *logger.Logger) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()
		stream, err := streamer(ctx, desc, cc, method, opts...)
		fields := rpcFields(method, start)
		fields["target"] = cc.Target()
		logResult(log, "gRPC stream open", fields, err)
		return stream, err
	}
}
