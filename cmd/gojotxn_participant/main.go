// Command gojotxn_participant serves an in-memory key/value participant over
// gRPC, for local clusters and failure drills.
package main

import (
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/pkg/logger"
)

var errInjected = errors.New("injected failure")

var (
	listenAddr string
	certDir    string
	failOn     string
	logLevel   string
	rateLimit  float64
)

func init() {
	flag.StringVar(&listenAddr, "listen", "localhost:9090", "gRPC listen address")
	flag.StringVar(&certDir, "cert_dir", "", "Directory with ca/server certificates; plaintext when empty")
	flag.StringVar(&failOn, "fail_on", "", "Comma-separated entry points that always fail (e.g. prepare_set,rollback_set)")
	flag.StringVar(&logLevel, "log_level", "info", "Log level")
	flag.Float64Var(&rateLimit, "rate_limit", 0, "Calls per second accepted; 0 means unlimited")
}

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: logLevel, Format: "json", OutputFile: "stdout", Service: "gojotxn_participant"})
	if err != nil {
		log.Fatalf("FATAL: failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	kv := participant.NewKVParticipant()
	for _, entry := range strings.Split(failOn, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			kv.FailOn(entry, errInjected)
			zlogger.Warn("failure injected", zap.String("entry_point", entry))
		}
	}
	var p participant.Participant = kv
	if rateLimit > 0 {
		p = participant.RateLimited(kv, rateLimit, max(1, int(rateLimit)))
	}

	var opts []grpc.ServerOption
	if certDir != "" {
		serverTLS, _, err := certs.Load(certDir)
		if err != nil {
			zlogger.Fatal("failed to load certificates", zap.String("dir", certDir), zap.Error(err))
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}
	server := grpc.NewServer(opts...)
	participant.RegisterServer(server, p, zlogger)

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		zlogger.Fatal("failed to listen", zap.String("addr", listenAddr), zap.Error(err))
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		zlogger.Info("received signal, stopping", zap.String("signal", sig.String()), zap.Strings("staged", kv.Staged()))
		server.GracefulStop()
	}()

	zlogger.Info("participant listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", certDir != ""))
	if err := server.Serve(lis); err != nil {
		zlogger.Fatal("gRPC server failed", zap.Error(err))
	}
}
