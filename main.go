package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"mmonode/config"
	"mmonode/server"
	"mmonode/transport"
)

// closableTransport 可关闭的传输层（QUIC 或 WebSocket）
type closableTransport interface {
	server.Transport
	Close() error
}

// 入口：读取配置，绑定传输层，启动 30Hz 权威模拟循环与管理接口
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	flag.StringVar(&cfg.UDPAddr, "udp", cfg.UDPAddr, "UDP listen address, e.g. 0.0.0.0:5000")
	flag.StringVar(&cfg.AdminAddr, "addr", cfg.AdminAddr, "HTTP listen address for admin and websocket, e.g. :8080")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "client transport: quic or ws")
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	// zap 日志写入文件（带滚动）
	if err := server.InitLogger(server.LogConfig{FilePath: cfg.LogFile, Level: cfg.LogLevel, Stderr: cfg.LogStderr}); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	tcfg := transport.Config{
		ProtocolID:       cfg.ProtocolID,
		MaxClients:       cfg.MaxClients,
		MessageQueueSize: cfg.MessageQueueSize,
		Timeout:          cfg.ClientTimeout,
		KeepAlive:        cfg.KeepAlive,
		Logger:           server.Log.Named("transport"),
	}
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			server.Log.Fatalf("load tls key pair: %v", err)
		}
		tcfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
	}

	mux := http.NewServeMux()
	var tr closableTransport
	switch cfg.Transport {
	case config.TransportWS:
		ws := transport.NewWSServer(tcfg)
		mux.Handle("/ws", ws)
		tr = ws
		server.Log.Infof("websocket transport on %s/ws", cfg.AdminAddr)
	default:
		// 绑定失败直接退出，不进入循环
		q, err := transport.ListenQUIC(cfg.UDPAddr, tcfg)
		if err != nil {
			server.Log.Fatalf("%v", err)
		}
		tr = q
	}

	srv := server.New(tr, server.Options{
		TickRate:      cfg.TickRate,
		MoveSpeed:     cfg.MoveSpeed,
		CommandRate:   cfg.CommandRate,
		CommandBurst:  cfg.CommandBurst,
		Authoritative: cfg.Authoritative,
	})

	// 管理与监控接口
	mux.HandleFunc("/admin/config", srv.HandleAdminConfig)
	mux.HandleFunc("/metrics", srv.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: cfg.AdminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		server.Log.Infof("admin listening on %s", cfg.AdminAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "admin listen")
		}
		return nil
	})
	eg.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		server.Log.Info("Shutting down...")
		if err := tr.Close(); err != nil {
			server.Log.Warnf("close transport: %v", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		server.Log.Errorf("server stopped: %v", err)
	}
}
