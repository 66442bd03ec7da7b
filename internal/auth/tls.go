package auth

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

type TLSConfig struct {
	// 值为真表示是服务端 TLS 配置
	// 值为假表示是客户端 TLS 配置
	Server bool `yaml:"-"`

	// 是否启用双向 TLS 认证
	Mutual bool `yaml:"-"`

	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

var (
	errNoCert = errors.New("no certificate provided for TLS config")
	errNoKey  = errors.New("no private key provided for TLS config")
	errNoCA   = errors.New("no root certificate provided for TLS config")
)

// 单向 TLS 认证
// 服务端需要设置: 服务端证书, 服务端私钥
// 客户端需要设置: 根证书
//
// 双向 TLS 认证
// 服务端还需要设置: 根证书，用来验证客户端证书
// 客户端还需要设置: 客户端证书, 客户端私钥
func SetupTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{ServerName: cfg.ServerName}

	// 服务端总是需要证书，客户端只在双向认证时需要
	if cfg.Server || cfg.Mutual {
		cert, err := loadKeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	// 客户端总是需要根证书，服务端只在双向认证时需要
	if !cfg.Server || cfg.Mutual {
		ca, err := loadCA(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		if cfg.Server {
			tlsConfig.ClientCAs = ca
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsConfig.RootCAs = ca
		}
	}

	return tlsConfig, nil
}

func loadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" {
		return tls.Certificate{}, errNoCert
	}
	if keyFile == "" {
		return tls.Certificate{}, errNoKey
	}
	return tls.LoadX509KeyPair(certFile, keyFile)
}

func loadCA(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, errNoCA
	}
	b, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	ca := x509.NewCertPool()
	if ok := ca.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("failed to parse root certificate: %q", caFile)
	}
	return ca, nil
}
