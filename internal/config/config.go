package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/youngfr/commitlog/internal/auth"
	"github.com/youngfr/commitlog/internal/log"
	"gopkg.in/yaml.v3"
)

type TLS struct {
	Enabled bool `yaml:"enabled"`
	Mutual  bool `yaml:"mutual"`

	auth.TLSConfig `yaml:",inline"`
}

type ACL struct {
	Enabled    bool   `yaml:"enabled"`
	ModelFile  string `yaml:"model_file"`
	PolicyFile string `yaml:"policy_file"`
}

// 服务进程的配置
// 日志本身的配置见 log.Config
type Config struct {
	DataDir  string `yaml:"data_dir"`
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Log log.Config `yaml:"log"`
	TLS TLS        `yaml:"tls"`
	ACL ACL        `yaml:"acl"`
}

func Default() Config {
	return Config{
		DataDir:  "commitlog-data",
		GRPCAddr: "127.0.0.1:8400",
		HTTPAddr: "127.0.0.1:8080",
		LogLevel: "info",
		TLS: TLS{
			TLSConfig: auth.TLSConfig{
				CertFile: auth.ServerCertFile,
				KeyFile:  auth.ServerKeyFile,
				CAFile:   auth.CAFile,
			},
		},
		ACL: ACL{
			ModelFile:  auth.ACLModelFile,
			PolicyFile: auth.ACLPolicyFile,
		},
	}
}

// 读取 YAML 配置文件，文件中没有出现的字段保留默认值
// path 为空时直接返回默认配置
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.GRPCAddr == "" && c.HTTPAddr == "" {
		return errors.New("at least one of grpc_addr and http_addr must be set")
	}
	return nil
}

// 服务端 TLS 配置
func (c Config) ServerTLS() auth.TLSConfig {
	t := c.TLS.TLSConfig
	t.Server = true
	t.Mutual = c.TLS.Mutual
	return t
}
