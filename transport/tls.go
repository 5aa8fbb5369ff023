package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/rotisserie/eris"
)

// alpnProtocol QUIC 握手时协商的应用层协议名
const alpnProtocol = "mmonode"

// serverTLS 返回服务端 TLS 配置；未提供证书时生成一张仅存在于内存的自签名证书
func serverTLS(base *tls.Config) (*tls.Config, error) {
	if base != nil {
		conf := base.Clone()
		conf.NextProtos = []string{alpnProtocol}
		return conf, nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, eris.Wrap(err, "generate key")
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: alpnProtocol},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, eris.Wrap(err, "create self-signed certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpnProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// clientTLS 客户端 TLS 配置。握手本身不做身份认证，未提供配置时跳过证书校验
func clientTLS(base *tls.Config) *tls.Config {
	if base != nil {
		conf := base.Clone()
		conf.NextProtos = []string{alpnProtocol}
		return conf
	}
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // 开放握手，与服务端自签名证书配套
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}
}
