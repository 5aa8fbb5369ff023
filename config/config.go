package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
)

const (
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

// Config 进程级配置，全部来自环境变量（MMO_ 前缀）
type Config struct {
	// 网络
	Transport   string `env:"TRANSPORT" envDefault:"quic"`
	UDPAddr     string `env:"UDP_ADDR" envDefault:"0.0.0.0:5000"`
	AdminAddr   string `env:"ADMIN_ADDR" envDefault:":8080"`
	TLSCertFile string `env:"TLS_CERT_FILE"` // 为空时使用内存自签名证书
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// 握手与连接
	ProtocolID       uint64        `env:"PROTOCOL_ID" envDefault:"0"`
	MaxClients       int           `env:"MAX_CLIENTS" envDefault:"10"`
	MessageQueueSize int           `env:"MESSAGE_QUEUE_SIZE" envDefault:"1024"`
	ClientTimeout    time.Duration `env:"CLIENT_TIMEOUT" envDefault:"10s"`
	KeepAlive        time.Duration `env:"KEEP_ALIVE" envDefault:"1s"`

	// 模拟
	TickRate      int     `env:"TICK_RATE" envDefault:"30"`
	MoveSpeed     float32 `env:"MOVE_SPEED" envDefault:"200"`
	CommandRate   float64 `env:"COMMAND_RATE" envDefault:"0"` // 0 不限速
	CommandBurst  int     `env:"COMMAND_BURST" envDefault:"60"`
	Authoritative bool    `env:"AUTHORITATIVE" envDefault:"true"`

	// 日志
	LogFile   string `env:"LOG_FILE" envDefault:"app.log"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"debug"`
	LogStderr bool   `env:"LOG_STDERR" envDefault:"false"`
}

// Load 解析环境变量并校验
func Load() (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "MMO_"}); err != nil {
		return cfg, eris.Wrap(err, "failed to parse environment variables")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportQUIC, TransportWS:
	default:
		return eris.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportQUIC, TransportWS)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return eris.New("tls cert and key files must be set together")
	}
	if c.MaxClients <= 0 {
		return eris.Errorf("max clients must be positive, got %d", c.MaxClients)
	}
	if c.TickRate <= 0 || c.TickRate > 1000 {
		return eris.Errorf("tick rate must be in (0, 1000], got %d", c.TickRate)
	}
	if c.MoveSpeed < 0 {
		return eris.Errorf("move speed must not be negative, got %v", c.MoveSpeed)
	}
	if c.ClientTimeout <= c.KeepAlive {
		return eris.Errorf("client timeout %s must exceed keepalive %s", c.ClientTimeout, c.KeepAlive)
	}
	return nil
}
